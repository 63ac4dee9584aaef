package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/output"
	"github.com/edupilot/edupilot/internal/server"
)

func newTokenCmd() *cobra.Command {
	var subject string
	var role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for the HTTP API",
		Long: `Issues an HS256 token signed with the configured JWT secret. Only
needed when auth.allow_anonymous is disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return apperr.Validation("auth.jwt_secret is not configured")
			}
			if subject == "" {
				return apperr.Validation("--subject is required")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.JWTExpires
			}

			token, err := server.MintToken(cfg.Auth.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}

			fmt.Println(token)
			output.New(os.Stderr).Detail("expires in " + ttl.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (user or service name)")
	cmd.Flags().StringVar(&role, "role", "", "Token role (\"admin\" may read any session)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from config)")
	return cmd
}
