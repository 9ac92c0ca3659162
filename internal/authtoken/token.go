// Package authtoken mints the bearer token the engine presents to the
// remote route-info endpoint. No teacher implementation of this exists
// in the retrieval pack (golang-jwt/jwt is only referenced at a call
// site, never defined — see DESIGN.md), so this follows the library's
// own documented API and the TokenGenerator interface shape
// auth/service.go's Connect-RPC service expects of its signer.
package authtoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Generator mints signed bearer tokens for a fixed subject (the replay
// engine's own client identity, not an end user).
type Generator struct {
	secret  []byte
	subject string
	ttl     time.Duration
}

// NewGenerator builds a Generator. ttl of zero defaults to 1 hour.
func NewGenerator(secret, subject string, ttl time.Duration) *Generator {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Generator{secret: []byte(secret), subject: subject, ttl: ttl}
}

// claims is the minimal registered-claims set the route-info endpoint
// checks: subject and expiry.
type claims struct {
	jwt.RegisteredClaims
}

// Mint produces a signed HS256 token valid for the Generator's ttl.
func (g *Generator) Mint() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks tokenString's signature and expiry, returning its
// subject. Used by the optional control RPC surface to authenticate
// callers with the same secret.
func (g *Generator) Verify(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return c.Subject, nil
}
