package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/schema"
)

func TestIssuerRoundTrip(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), time.Hour)
	token, err := iss.Issue("player-1", schema.User)
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "player-1", claims.Subject)
	assert.Equal(t, schema.User, claims.Permission)
}

func TestIssuerRejectsExpiredToken(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), -time.Minute)
	token, err := iss.Issue("player-1", schema.User)
	require.NoError(t, err)

	_, err = iss.Verify(token)
	assert.Error(t, err)
}

func TestIssuerRejectsWrongSecret(t *testing.T) {
	iss := NewIssuer([]byte("secret-a"), time.Hour)
	token, err := iss.Issue("player-1", schema.User)
	require.NoError(t, err)

	other := NewIssuer([]byte("secret-b"), time.Hour)
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestThrottleAllowsWithinBurst(t *testing.T) {
	th := NewThrottle(ThrottleConfig{RequestsPerSecond: 1, Burst: 2})
	assert.True(t, th.Allow())
	assert.True(t, th.Allow())
	assert.False(t, th.Allow())
}

func TestThrottleRaiseWidensLimit(t *testing.T) {
	th := NewThrottle(ThrottleConfig{RequestsPerSecond: 1, Burst: 1})
	assert.True(t, th.Allow())
	assert.False(t, th.Allow())

	th.Raise(ThrottleConfig{RequestsPerSecond: 100, Burst: 100})
	assert.True(t, th.Allow())
}
