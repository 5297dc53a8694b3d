package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/internal/cli/prompt"
	"github.com/marmos91/flashkv/pkg/api/auth"
)

var (
	tokenRole    string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API access token",
	Long: `Sign a Bearer token for the agent API with the configured JWT secret.

Operators may change settings and drive updates; viewers may only read.
Without --role the role is asked for interactively.

Examples:
  # Operator token with the configured lifetime
  flashkv token --role operator

  # Short-lived read-only token for a dashboard
  flashkv token --role viewer --subject grafana --ttl 15m

  # Use it
  curl -H "Authorization: Bearer $(flashkv token --role viewer -o json | jq -r .access_token)" \
    http://localhost:8080/api/v1/kv`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Token role (operator|viewer)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: api.jwt.access_token_duration)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.HasJWTSecret() {
		return fmt.Errorf("no JWT secret configured: the API is unauthenticated")
	}

	roleName := tokenRole
	if roleName == "" {
		roleName, err = prompt.Select("Role", []string{string(auth.RoleOperator), string(auth.RoleViewer)})
		if err != nil {
			return err
		}
	}
	role, ok := auth.ParseRole(roleName)
	if !ok {
		return fmt.Errorf("%w: %q (valid: operator, viewer)", auth.ErrInvalidRole, roleName)
	}

	svc, err := auth.NewJWTService(auth.JWTConfig{
		Secret:              cfg.API.GetJWTSecret(),
		Issuer:              cfg.API.JWT.Issuer,
		AccessTokenDuration: cfg.API.JWT.AccessTokenDuration,
	})
	if err != nil {
		return err
	}

	token, err := svc.GenerateToken(tokenSubject, role, tokenTTL)
	if err != nil {
		return err
	}

	format, err := cmdutil.OutputFormat()
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		fmt.Println(token.AccessToken)
		return nil
	}
	return output.Print(os.Stdout, format, token)
}
