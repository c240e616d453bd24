// Package session mints and verifies the reader session tokens handed out
// once a membership is confirmed.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// Audience scopes reader tokens to this service.
const Audience = "stateofplay-reader"

// DefaultTTL is used when the issuer is configured without a lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// ErrInvalidToken covers every parse, signature and expiry failure.
var ErrInvalidToken = errors.New("invalid session token")

// Claims is the token payload.
type Claims struct {
	Email  string                `json:"email"`
	Name   string                `json:"name,omitempty"`
	Status edge.MembershipStatus `json:"status"`
	jwt.RegisteredClaims
}

// Issuer signs and parses HS256 reader tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  edge.Clock
}

// NewIssuer constructs an Issuer. An empty secret is rejected.
func NewIssuer(secret string, ttl time.Duration, clock edge.Clock) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

// Issue mints a token for a confirmed membership record.
func (i *Issuer) Issue(record edge.MembershipRecord) (string, error) {
	now := i.clock.Now()
	expires := now.Add(i.ttl)
	if record.SubscriptionEnd != nil && record.SubscriptionEnd.After(now) && record.SubscriptionEnd.Before(expires) {
		expires = *record.SubscriptionEnd
	}
	claims := Claims{
		Email:  strings.ToLower(record.Email),
		Name:   record.Name,
		Status: record.Status,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(record.Email),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Audience:  []string{Audience},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns its claims.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Email == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromRequest extracts a bearer token from the Authorization header.
// It returns "" when none is present.
func FromRequest(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
