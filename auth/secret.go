package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SecretProvider validates HS256 JWTs signed with a shared secret, the
// scheme used by hosted auth backends that expose their JWT secret.
type SecretProvider struct {
	secret []byte
}

// NewSecretProvider creates a SecretProvider.
func NewSecretProvider(secret string) (*SecretProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &SecretProvider{secret: []byte(secret)}, nil
}

// ValidateToken parses an HS256 JWT and returns an Identity.
func (p *SecretProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr,
		func(t *jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	email, _ := claims["email"].(string)

	return &Identity{UserID: sub, Email: email}, nil
}

// Name returns the provider name.
func (p *SecretProvider) Name() string { return "secret" }
