package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicore/platform/internal/integrity"
	"github.com/clinicore/platform/internal/pdf"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/tsa"
)

var (
	pdfIn         string
	pdfOut        string
	tsaURL        string
	strictTrailer bool
)

var pdfCmd = &cobra.Command{
	Use:   "pdf",
	Short: "Offline PDF tools",
}

var pdfTimestampCmd = &cobra.Command{
	Use:   "timestamp",
	Short: "Append an RFC 3161 timestamp revision to a PDF",
	Long: `Requests a timestamp token over SHA-256 of the input and appends it as an incremental
revision. Without --tsa-url a throwaway local authority issues the token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(pdfIn)
		if err != nil {
			return err
		}

		var authority tsa.Authority
		if tsaURL != "" {
			opts, optErr := remoteOptions()
			if optErr != nil {
				return optErr
			}
			authority, err = tsa.NewRemote(tsaURL, cfg.TSA.RemoteTimeout, opts...)
		} else {
			authority, err = tsa.NewServerWithGeneratedCert(cfg.TSA.OrgName, clock.System{}, appLogger)
		}
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		digest := sha256.Sum256(data)
		token, err := authority.Timestamp(ctx, digest[:])
		if err != nil {
			return err
		}

		rev, err := pdf.AppendTimestampRevision(data, token.Raw, pdf.Options{
			StrictTrailer: strictTrailer || cfg.Policy.StrictTrailer,
		})
		if err != nil {
			return err
		}
		if rev.Degraded {
			appLogger.Warn("trailer not parsed, wrote fallback revision", "reason", rev.Reason)
		}

		if err := os.WriteFile(pdfOut, rev.PDF, 0o644); err != nil {
			return err
		}
		appLogger.Info("timestamp revision written",
			"out", pdfOut,
			"authority", token.Authority,
			"time", token.Time,
			"object", rev.ObjectNumber,
		)
		return nil
	},
}

var pdfStampCmd = &cobra.Command{
	Use:   "stamp",
	Short: "Append an integrity-only stamp to a PDF",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(pdfIn)
		if err != nil {
			return err
		}

		res, err := integrity.NewStamper(clock.System{}).Stamp(integrity.Request{PDF: data})
		if err != nil {
			return err
		}
		if err := os.WriteFile(pdfOut, res.Stamped, 0o644); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res.Metadata)
	},
}

var pdfVerifyStampCmd = &cobra.Command{
	Use:   "verify-stamp",
	Short: "Check an integrity-only stamp against the bytes it covers",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(pdfIn)
		if err != nil {
			return err
		}

		_, meta, err := integrity.Split(data)
		if err != nil {
			return err
		}
		if !integrity.VerifyStamp(data, *meta) {
			return fmt.Errorf("stamp does not match document content")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %s %s (%d bytes, stamped %s)\n",
			meta.Algorithm, meta.Hash, meta.Size, meta.Timestamp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{pdfTimestampCmd, pdfStampCmd, pdfVerifyStampCmd} {
		c.Flags().StringVar(&pdfIn, "in", "", "input PDF")
		c.MarkFlagRequired("in")
		pdfCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{pdfTimestampCmd, pdfStampCmd} {
		c.Flags().StringVar(&pdfOut, "out", "", "output PDF")
		c.MarkFlagRequired("out")
	}
	pdfTimestampCmd.Flags().StringVar(&tsaURL, "tsa-url", "", "external RFC 3161 authority")
	pdfTimestampCmd.Flags().BoolVar(&strictTrailer, "strict-trailer", false, "fail instead of writing a fallback revision")
}
