package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates JWTs issued by an external identity service using
// its published JWKS. Accounts live in the external system; the gateway only
// mirrors profile fields from the claims.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider creates a JWKSProvider that fetches keys from the issuer's
// well-known JWKS endpoint.
func NewJWKSProvider(issuer string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// ValidateToken parses an externally issued JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
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
		// Some issuers put the user id in a custom claim instead of sub.
		sub = claimStr(claims, "user_id")
	}
	if sub == "" {
		return nil, ErrUnauthorized
	}

	fullName := claimStr(claims, "full_name")
	if fullName == "" {
		switch {
		case claimStr(claims, "name") != "":
			fullName = claimStr(claims, "name")
		case claimStr(claims, "first_name") != "" || claimStr(claims, "last_name") != "":
			fullName = strings.TrimSpace(claimStr(claims, "first_name") + " " + claimStr(claims, "last_name"))
		}
	}

	username := claimStr(claims, "username")
	if username == "" {
		username = claimStr(claims, "email")
	}

	return &Identity{
		UserID:       sub,
		Username:     username,
		FullName:     fullName,
		ProfileImage: claimStr(claims, "profile_image"),
	}, nil
}

// Bootstrap is a no-op for external issuers (users are managed externally).
func (p *JWKSProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
