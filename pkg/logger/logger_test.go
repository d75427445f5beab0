package logger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoOnBadLevel(t *testing.T) {
	l := New(Config{Level: "not-a-level", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNewJSONFormat(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json"})
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestFromContextWithSessionID(t *testing.T) {
	l := NewDefault("test")
	ctx := WithSessionID(context.Background(), "sess-1")
	entry := l.FromContext(ctx)
	assert.Equal(t, "sess-1", entry.Data["session_id"])
}

func TestFromContextWithoutSessionID(t *testing.T) {
	l := NewDefault("test")
	entry := l.FromContext(context.Background())
	_, ok := entry.Data["session_id"]
	assert.False(t, ok)
}
