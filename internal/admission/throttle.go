package admission

import (
	"sync"

	"golang.org/x/time/rate"
)

// ThrottleConfig configures a Throttle's token bucket.
type ThrottleConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultGuestThrottle is the per-session limit applied before a session
// elevates past guest, per spec.md §4.5.
func DefaultGuestThrottle() ThrottleConfig {
	return ThrottleConfig{RequestsPerSecond: 10, Burst: 20}
}

// Throttle rate-limits one session's CallSystem traffic, grounded on the
// teacher's infrastructure/ratelimit.RateLimiter wrapping
// golang.org/x/time/rate.Limiter.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	cfg     ThrottleConfig
}

// NewThrottle constructs a Throttle for a single session.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// Allow reports whether the caller may proceed right now, consuming one
// token if so.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter.Allow()
}

// Raise widens the bucket once a session elevates past guest, so an
// authenticated user isn't held to the guest ceiling.
func (t *Throttle) Raise(cfg ThrottleConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = t.cfg.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = t.cfg.Burst
	}
	t.cfg = cfg
	t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

// authenticatedThrottle is the looser bucket applied once a session has
// elevated past guest via a login System.
func authenticatedThrottle() ThrottleConfig {
	return ThrottleConfig{RequestsPerSecond: 100, Burst: 200}
}

// AuthenticatedThrottleConfig exposes authenticatedThrottle for callers
// outside the package (internal/session wires it into Elevate).
func AuthenticatedThrottleConfig() ThrottleConfig { return authenticatedThrottle() }
