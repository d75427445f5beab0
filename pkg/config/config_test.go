package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	clearHetuEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.CallDeadline)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	clearHetuEnv(t)
	t.Setenv("HETU_LISTEN", ":9999")
	t.Setenv("HETU_MAX_RETRIES", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, 7, cfg.MaxRetries)
}

func TestValidateRejectsEmptyListen(t *testing.T) {
	cfg := &Config{Listen: "", MaxRetries: 1, CallDeadline: time.Second}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveDeadline(t *testing.T) {
	cfg := &Config{Listen: ":1", MaxRetries: 1, CallDeadline: 0}
	assert.Error(t, cfg.Validate())
}

func clearHetuEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"HETU_LISTEN", "HETU_MAX_RETRIES", "HETU_BACKEND_URL"} {
		os.Unsetenv(key)
	}
}
