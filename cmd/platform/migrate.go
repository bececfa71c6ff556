package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinicore/platform/internal/shared/database"
)

var rollback bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if rollback {
			if err := database.Rollback(ctx, db.Pool); err != nil {
				return err
			}
		} else if err := database.Migrate(ctx, db.Pool); err != nil {
			return err
		}

		v, err := database.Version(ctx, db.Pool)
		if err != nil {
			return err
		}
		appLogger.Info("schema migrated", "version", v)
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&rollback, "down", false, "revert the most recent migration instead")
}
