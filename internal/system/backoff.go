package system

import (
	"math/rand"
	"time"
)

// Backoff schedule between commit-conflict retries, resolved from spec.md
// §9's open question ("the source suggests micro-scale jitter but does not
// commit to numbers") as base=200µs, factor=2, jitter=±25%, cap=5ms — see
// DESIGN.md's Open Questions section.
const (
	backoffBase   = 200 * time.Microsecond
	backoffFactor = 2
	backoffCap    = 5 * time.Millisecond
	backoffJitter = 0.25
)

// backoffDuration returns the sleep duration before retry attempt n
// (0-indexed: the sleep before the *second* attempt is backoffDuration(0)).
func backoffDuration(n int) time.Duration {
	d := backoffBase
	for i := 0; i < n; i++ {
		d *= backoffFactor
		if d > backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 1 - backoffJitter + rand.Float64()*2*backoffJitter
	return time.Duration(float64(d) * jitter)
}
