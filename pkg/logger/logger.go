// Package logger wraps logrus with the fields and output handling the rest
// of the runtime expects (trace id, per-session id, structured formatting).
package logger

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls a Logger's level, format and destination.
type Config struct {
	Level  string `env:"HETU_LOG_LEVEL"`
	Format string `env:"HETU_LOG_FORMAT"`
}

// Logger wraps *logrus.Logger so call sites can use the familiar
// WithField/WithFields/Info/Error chain.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config, defaulting to info/text on bad input.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted logger tagged with a
// component name, for code paths that run before config is loaded.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	l.AddHook(componentHook(component))
	return l
}

// componentHook adds a "component" field to every entry that lacks one.
type componentHook string

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["component"]; !ok {
		e.Data["component"] = string(h)
	}
	return nil
}

type ctxKey string

const sessionIDKey ctxKey = "session_id"

// WithSessionID returns a context carrying a session id for log correlation.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// FromContext returns a log entry annotated with the session id found in
// ctx, or the bare logger if none is present.
func (l *Logger) FromContext(ctx context.Context) *logrus.Entry {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return l.WithField("session_id", id)
	}
	return logrus.NewEntry(l.Logger)
}
