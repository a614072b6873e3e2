package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "audittrail/internal/jwt_token"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		Long:  `token signs an access token with JWT_SIGNING_KEY so the query API can be exercised without an identity provider.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jwt := jwttoken.NewJWTService(a.cfg.Server.JWTSigningKey, a.cfg.Server.JWTIssuer, a.cfg.Server.JWTAudience)
			token, err := jwt.GenerateAccessToken(subject, role, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, the agent id")
	cmd.Flags().StringVar(&role, "role", "agent", "role claim: agent, admin or rootAdministrator")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
