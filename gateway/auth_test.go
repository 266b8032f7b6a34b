package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4406arthur/verity/domain"
)

const testSecret = "unit-test-secret"

func makeToken(t *testing.T, secret, sub string, roles []string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if roles != nil {
		raw := make([]interface{}, len(roles))
		for i, r := range roles {
			raw[i] = r
		}
		claims["roles"] = raw
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestAuthenticateValidToken(t *testing.T) {
	a := NewAuthenticator(testSecret)
	subj, err := a.Authenticate(makeToken(t, testSecret, "alice", []string{"reviewer"}, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice", subj.ID)
	assert.Equal(t, []string{"reviewer"}, subj.Roles)
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewAuthenticator(testSecret)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"empty":        "",
		"expired":      makeToken(t, testSecret, "alice", nil, -time.Minute),
		"wrong secret": makeToken(t, "other-secret", "alice", nil, time.Minute),
		"no expiry":    noExpiry,
		"no subject":   noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(token)
			assert.ErrorIs(t, err, domain.ErrUnauthenticated)
		})
	}
}

func TestSubjectPermitted(t *testing.T) {
	assert.True(t, Subject{ID: "alice"}.Permitted("alice"))
	assert.False(t, Subject{ID: "bob"}.Permitted("alice"))
	assert.True(t, Subject{ID: "bob", Roles: []string{"reviewer"}}.Permitted("alice"))
	assert.True(t, Subject{ID: "bob", Roles: []string{"admin"}}.Permitted("alice"))
	assert.False(t, Subject{ID: "bob", Roles: []string{"viewer"}}.Permitted("alice"))
}
