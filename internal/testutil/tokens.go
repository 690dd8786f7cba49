package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/ir"
)

// TestSecret is the HMAC key shared by test token signers and verifiers.
var TestSecret = []byte("cairn-test-secret-do-not-use")

// SignToken issues an HS256 bearer token for p. Production code only verifies
// tokens; issuing them belongs to the identity provider.
func SignToken(t testing.TB, secret []byte, p ir.Principal, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       p.UserID,
		"tenant_id": p.TenantID,
		"role":      string(p.Role),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if len(p.Sites) > 0 {
		claims["sites"] = p.Sites
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}
