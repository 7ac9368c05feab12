package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowgrid-app/flowgrid/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "flowgrid-ledger.json"
			}
			return writeStarterConfig(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./flowgrid-ledger.json)")
	return cmd
}

// writeStarterConfig writes a config skeleton with a generated JWT secret and
// placeholders for the Stripe keys. Env vars override placeholders when set.
func writeStarterConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	jwtSecret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			Provider:  "secret",
			JWTSecret: envOr("FLOWGRID_JWT_SECRET", jwtSecret),
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "flowgrid.db",
		},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
		RateLimit: config.RateLimitConfig{
			Window:      config.Duration{Duration: 60 * time.Second},
			MaxRequests: 30,
		},
		Billing: config.BillingConfig{
			StripeSecretKey:     envOr("STRIPE_SECRET_KEY", "sk_live_REPLACE_ME"),
			StripeWebhookSecret: envOr("STRIPE_WEBHOOK_SECRET", "whsec_REPLACE_ME"),
			Products: map[string]int{
				"prod_REPLACE_ME": 100,
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s — fill in the Stripe keys and product mapping before starting\n", path)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
