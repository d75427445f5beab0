// Package admission implements spec.md §4.5's identity and throttling
// concerns that sit in front of a Session: issuing and verifying login
// tokens, and rate-limiting a session's CallSystem traffic before it has
// elevated past guest. Grounded on the teacher's JWT-based
// internal/app/httpapi.SupabaseJWTValidator (claims shape, HMAC signing
// method check) and infrastructure/ratelimit.RateLimiter (token-bucket
// wrapping golang.org/x/time/rate).
package admission

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hetu-io/hetu/internal/schema"
)

// Claims is the payload of a hetu login token: the identity it grants and
// who it was issued for.
type Claims struct {
	jwt.RegisteredClaims
	Subject    string            `json:"sub"`
	Permission schema.Permission `json:"perm"`
}

// Issuer mints and verifies HMAC-signed login tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer constructs an Issuer. A zero ttl defaults to 24h, per the
// teacher's refresh-token convention in internal/app/auth.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue mints a token granting perm to subject, expiring after the
// Issuer's configured ttl.
func (iss *Issuer) Issue(subject string, perm schema.Permission) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.ttl)),
		},
		Subject:    subject,
		Permission: perm,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(iss.secret)
}

// Verify parses and validates a token, rejecting anything not signed with
// HMAC (per the teacher's alg-confusion guard) or expired.
func (iss *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("admission: unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("admission: invalid token")
	}
	return claims, nil
}
