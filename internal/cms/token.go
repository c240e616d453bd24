package cms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminTokenTTL is the lifetime of a signed Admin API token. Ghost rejects
// tokens valid for longer than five minutes.
const AdminTokenTTL = 5 * time.Minute

// ErrInvalidAdminKey is returned for keys not shaped "<id>:<hex secret>".
var ErrInvalidAdminKey = errors.New("invalid ghost admin key")

// AdminToken signs a short-lived HS256 token for the Ghost Admin API from a
// key of the form "<id>:<hex secret>".
func AdminToken(adminKey string, now time.Time) (string, error) {
	id, secretHex, ok := strings.Cut(strings.TrimSpace(adminKey), ":")
	if !ok || id == "" || secretHex == "" {
		return "", ErrInvalidAdminKey
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAdminKey, err)
	}

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AdminTokenTTL)),
		Audience:  jwt.ClaimStrings{"/admin/"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = id

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}
