// Package auth validates dashboard bearer tokens issued by the external auth
// provider. The service never issues tokens itself.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned for any token that fails validation.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the validated caller identity.
type Identity struct {
	UserID string // the auth provider's subject claim
	Email  string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
