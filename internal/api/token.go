package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what the client can read from its own bearer token. The
// server validates signatures; the client only inspects claims to know who
// it is and when re-authentication will be needed.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// InspectToken decodes the token's claims without signature verification.
func InspectToken(token string) (TokenInfo, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return TokenInfo{}, fmt.Errorf("parse token: %w", err)
	}
	info := TokenInfo{}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// Expired reports whether the token's expiry has passed at the given time.
// Tokens without an exp claim never report expired.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
