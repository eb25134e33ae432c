package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3askar/drive/internal/config"
	"github.com/3askar/drive/internal/identity"
)

func newTokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != config.AuthJWT {
				return fmt.Errorf("tokens require auth.mode %q", config.AuthJWT)
			}
			token, err := identity.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "principal the token identifies")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
