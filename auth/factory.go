package auth

import (
	"fmt"

	"github.com/flowgrid-app/flowgrid/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(cfg.Issuer)
	case "secret", "":
		return NewSecretProvider(cfg.JWTSecret)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
