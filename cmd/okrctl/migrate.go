package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"momentum/api/internal/config"
	"momentum/api/internal/store"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromViper(v)
			db, err := store.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, cfg.DatabaseDriver); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var confirmed bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert every applied migration, dropping all OKR data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("migrate down drops every table; pass --yes to confirm")
			}
			cfg := config.FromViper(v)
			db, err := store.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.RevertMigrations(cmd.Context(), db, cfg.DatabaseDriver); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations reverted")
			return nil
		},
	}
	down.Flags().BoolVar(&confirmed, "yes", false, "confirm dropping all data")

	cmd.AddCommand(up, down)
	return cmd
}
