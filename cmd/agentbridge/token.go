package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/config"
	"github.com/okrlinkhub/agent-bridge/internal/crypto"
	"github.com/okrlinkhub/agent-bridge/internal/provisioning"
)

var (
	tokenEmail      string
	tokenDepartment string
	tokenMaxApps    int
	tokenTTL        time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate provisioning tokens and operator secrets",
}

var tokenProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Issue a provisioning token for an employee",
	RunE:  runTokenProvision,
}

var tokenAdminHashCmd = &cobra.Command{
	Use:   "admin-hash <admin-key>",
	Short: "Print the bcrypt hash of an admin key for auth.admin_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := auth.HashAdminKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

var tokenEncryptionKeyCmd = &cobra.Command{
	Use:   "encryption-key",
	Short: "Print a random hex key for encryption_key",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(k)
		return nil
	},
}

func init() {
	tokenProvisionCmd.Flags().StringVar(&tokenEmail, "email", "", "employee email (required)")
	tokenProvisionCmd.Flags().StringVar(&tokenDepartment, "department", "", "employee department")
	tokenProvisionCmd.Flags().IntVar(&tokenMaxApps, "max-apps", 0, "max app instances (default: provisioning.max_apps)")
	tokenProvisionCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: provisioning.token_ttl)")
	_ = tokenProvisionCmd.MarkFlagRequired("email")

	tokenCmd.AddCommand(tokenProvisionCmd, tokenAdminHashCmd, tokenEncryptionKeyCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenProvision(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "memory" {
		return errors.New("token provision requires the postgres driver")
	}

	ctx := context.Background()
	st, _, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := provisioning.NewService(st, provisioning.Settings{
		TokenTTL:         cfg.Provisioning.TokenTTL,
		MaxApps:          cfg.Provisioning.MaxApps,
		InstanceTTL:      cfg.Provisioning.InstanceTTL,
		DefaultRateLimit: cfg.Gateway.DefaultAgentRateLimit,
	})
	pt, plaintext, err := svc.GenerateToken(ctx, provisioning.GenerateTokenInput{
		Email:      tokenEmail,
		Department: tokenDepartment,
		MaxApps:    tokenMaxApps,
		TTL:        tokenTTL,
		CreatedBy:  "cli",
	})
	if err != nil {
		return fmt.Errorf("generating provisioning token: %w", err)
	}

	fmt.Printf("Token:     %s\n", plaintext)
	fmt.Printf("Email:     %s\n", pt.Email)
	fmt.Printf("Max apps:  %d\n", pt.MaxApps)
	fmt.Printf("Expires:   %s\n", pt.ExpiresAt.Format(time.RFC3339))
	return nil
}
