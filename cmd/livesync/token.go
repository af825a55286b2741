package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livesync/internal/errors"
	"github.com/vango-dev/livesync/pkg/auth"
)

func tokenCmd(configPath *string) *cobra.Command {
	var (
		user auth.User
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwtSecret",
		Long: `Issue a bearer token for local testing. The token is signed with
the configured auth.jwtSecret, so serve accepts it on the AUTH message
or in the Authorization header of the WebSocket handshake.`,
		Example: `  livesync token --user alice --role admin --ttl 2h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user.ID == "" {
				return errors.New("L140").WithDetail("--user is required")
			}
			if ttl <= 0 {
				return errors.New("L140").WithDetail(fmt.Sprintf("--ttl must be positive, got %s", ttl))
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.Newf(errors.CategoryCLI, "auth.jwtSecret is not set").
					WithSuggestion("Set it in the config file or through LIVESYNC_JWT_SECRET.")
			}

			var opts []auth.JWTOption
			if cfg.Auth.Issuer != "" {
				opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
			}
			token, err := auth.NewJWTProvider([]byte(cfg.Auth.JWTSecret), opts...).Issue(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user.ID, "user", "u", "", "User id (sub claim)")
	cmd.Flags().StringVar(&user.Name, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&user.Roles, "role", nil, "Role, repeatable")
	cmd.Flags().StringSliceVar(&user.Permissions, "permission", nil, "Permission, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
