package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// JWKSAuthenticator validates asymmetric tokens against a remote key set,
// refreshed in the background by the jwx cache.
type JWKSAuthenticator struct {
	keys      jwk.Set
	roleClaim string
}

// NewJWKSAuthenticator registers url with a jwk cache bound to ctx and fetches
// it once so a bad URL fails at startup.
func NewJWKSAuthenticator(ctx context.Context, url, roleClaim string, refresh time.Duration) (*JWKSAuthenticator, error) {
	if url == "" {
		return nil, fmt.Errorf("jwks url cannot be empty")
	}
	if roleClaim == "" {
		roleClaim = "role"
	}

	c := jwk.NewCache(ctx)
	var opts []jwk.RegisterOption
	if refresh > 0 {
		opts = append(opts, jwk.WithMinRefreshInterval(refresh))
	}
	if err := c.Register(url, opts...); err != nil {
		return nil, fmt.Errorf("failed to register jwks url: %w", err)
	}
	if _, err := c.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}

	return &JWKSAuthenticator{
		keys:      jwk.NewCachedSet(c, url),
		roleClaim: roleClaim,
	}, nil
}

func (a *JWKSAuthenticator) Authenticate(_ context.Context, tokenString string) (Identity, error) {
	tok, err := jwt.Parse([]byte(tokenString), jwt.WithKeySet(a.keys), jwt.WithValidate(true))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", notify.ErrAuthentication, err)
	}
	if tok.Subject() == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", notify.ErrAuthentication)
	}

	id := Identity{UserID: tok.Subject()}
	if v, ok := tok.Get(a.roleClaim); ok {
		if role, ok := v.(string); ok {
			id.Role = role
		}
	}
	return id, nil
}
