package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"canteiro.app/internal/identity"
	"canteiro.app/internal/security"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token signed with auth.token_secret",
	Long: `token mints a short-lived bearer token for operators and service
callers. Tenant users are expected to receive tokens from the auth service.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().String("tenant", "", "tenant id carried in the token")
	tokenCmd.Flags().String("actor", string(security.ActorSaaSUser), "actor type: saas_user, system or tenant_user")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	actor, _ := cmd.Flags().GetString("actor")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	at := security.ActorType(actor)
	if !at.Valid() || at == security.ActorAnonymous {
		return fmt.Errorf("unsupported actor type %q", actor)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v := identity.NewVerifier(cfg.Auth.TokenSecret, cfg.Auth.Issuer)
	tok, err := v.Sign(identity.Identity{UserID: args[0], TenantID: tenant, ActorType: at}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
