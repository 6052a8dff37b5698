package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"momentum/api/internal/auth"
	"momentum/api/internal/config"
)

func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens for local use",
	}

	var (
		userID string
		name   string
		ttl    time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with MOMENTUM_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg := config.FromViper(v)
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), userID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "user id placed in the sub claim")
	issue.Flags().StringVar(&name, "name", "", "display name")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	cmd.AddCommand(issue)
	return cmd
}
