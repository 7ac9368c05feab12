// Package config handles ledger service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"whsec_test": true,
	"changeme":   true,
	"secret":     true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a shared secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Billing   BillingConfig   `json:"billing"`
}

// ServerConfig defines the service's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines dashboard token validation settings.
type AuthConfig struct {
	Provider  string `json:"provider,omitempty"`   // "secret" (default) or "jwks"
	JWTSecret string `json:"jwt_secret,omitempty"` // HS256 shared secret, required for "secret"
	Issuer    string `json:"issuer,omitempty"`     // token issuer; required for "jwks"
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "flowgrid.db" or ":memory:"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines the webhook fixed-window rate limiter settings.
type RateLimitConfig struct {
	Window      Duration `json:"window,omitempty"`       // window width; default 60s
	MaxRequests int      `json:"max_requests,omitempty"` // max requests per window per IP; default 30
}

// BillingConfig defines Stripe settings and the product→credit exchange rates.
type BillingConfig struct {
	StripeSecretKey     string         `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string         `json:"stripe_webhook_secret"`
	StripeAPIBase       string         `json:"stripe_api_base,omitempty"`       // override for testing
	SignatureTolerance  Duration       `json:"signature_tolerance,omitempty"`   // 0 disables timestamp checking
	Products            map[string]int `json:"products"`                        // product ID → credits granted per purchase
	SuccessURL          string         `json:"success_url,omitempty"`           // checkout redirect on success
	CancelURL           string         `json:"cancel_url,omitempty"`            // checkout redirect on cancel
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("billing.stripe_webhook_secret is required")
	}
	if knownWeakSecrets[c.Billing.StripeWebhookSecret] {
		return fmt.Errorf("billing.stripe_webhook_secret is a well-known weak secret — generate a new one")
	}
	if len(c.Billing.Products) == 0 {
		return fmt.Errorf("billing.products must define at least one product")
	}
	for id, credits := range c.Billing.Products {
		if credits <= 0 {
			return fmt.Errorf("billing.products[%q] must grant a positive credit amount", id)
		}
	}
	switch c.Auth.Provider {
	case "", "secret":
		if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
	case "jwks":
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "flowgrid.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.Window.Duration == 0 {
		c.RateLimit.Window.Duration = 60 * time.Second
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 30
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "secret"
	}
}
