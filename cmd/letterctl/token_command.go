package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/internal/service"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		userID string
		roles  []string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tokens := service.NewTokenService(service.TokenConfig{
				Secret: cfg.JWT.Secret,
				Issuer: cfg.JWT.Issuer,
				Expiry: cfg.JWT.Expiration,
			})
			token, expiresAt, err := tokens.Issue(models.Actor{UserID: userID, Roles: roles}, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Comma separated roles")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}
