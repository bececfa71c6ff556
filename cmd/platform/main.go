package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinicore/platform/internal/shared/config"
	"github.com/clinicore/platform/internal/shared/logger"
)

const version = "0.3.0"

var (
	cfg       *config.Config
	appLogger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:               "platform",
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Short:             "Clinical document signing platform",
	Long:              `Signs clinical documents with registered practitioner credentials, anchors PDF renditions with RFC 3161 timestamps and verifies signatures.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		appLogger = logger.InitLogger(logger.ParseLogLevel(cfg.Server.LogLevel), cfg.Server.Env)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pdfCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
