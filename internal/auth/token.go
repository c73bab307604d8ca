package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoExpiry = errors.New("token carries no expiry")

// Claims is the part of the access token the client cares about. The
// signature is the issuer's business; the client only reads the claims to
// schedule refreshes.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the claims of token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	const op = "auth.ParseClaims"

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of token. Opaque (non-JWT) tokens and JWTs
// without exp return an error.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// ExpiresWithin reports whether token is a JWT that expires before now+leeway.
// Tokens whose expiry cannot be read are left to the server to judge.
func ExpiresWithin(token string, leeway time.Duration, now time.Time) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return false
	}
	return !now.Add(leeway).Before(exp)
}
