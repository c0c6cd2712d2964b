package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

var (
	subject string
	name    string
	role    string
	ttl     time.Duration
)

func main() {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API access token",
		Long:  `Sign a bearer token for a student or administrator using the configured JWT issuer and key.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Student or administrator id (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name")
	cmd.Flags().StringVarP(&role, "role", "r", auth.RoleStudent, "Role: student or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default ACCESS_TTL)")
	_ = cmd.MarkFlagRequired("subject")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if role != auth.RoleStudent && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	cfg := config.Load()
	if ttl <= 0 {
		ttl = cfg.AccessTTL
	}
	signed, err := auth.Issue(subject, name, role, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed.Token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", signed.ExpiresAt.Format(time.RFC3339))
	return nil
}
