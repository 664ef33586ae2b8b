// Package bandwidth implements the optional process-wide byte/sec cap
// shared across every fetcher call (C16): disabled (infinite rate) unless
// PICA_GLOBAL_BYTES_PER_SEC is set, with an atomic.Bool fast path so the
// hot transfer loop pays nothing when it's off. Grounded on the teacher's
// internal/core/bandwidth.go BandwidthManager, generalized from per-task
// priority scheduling (not needed here — spec.md has no task-priority
// concept) down to a single shared limiter.
package bandwidth

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Governor wraps a rate.Limiter behind an enabled flag.
type Governor struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// FromEnv builds a Governor from PICA_GLOBAL_BYTES_PER_SEC; absent or
// non-positive disables it entirely.
func FromEnv() *Governor {
	g := &Governor{}
	raw := os.Getenv("PICA_GLOBAL_BYTES_PER_SEC")
	if raw == "" {
		return g
	}
	bps, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || bps <= 0 {
		return g
	}
	g.limiter = rate.NewLimiter(rate.Limit(bps), int(bps))
	g.enabled.Store(true)
	return g
}

// WaitN blocks until n bytes' worth of budget is available. A no-op when
// the governor is disabled.
func (g *Governor) WaitN(ctx context.Context, n int) error {
	if !g.enabled.Load() || g.limiter == nil {
		return nil
	}
	return g.limiter.WaitN(ctx, n)
}

// Enabled reports whether a cap is currently configured.
func (g *Governor) Enabled() bool {
	return g.enabled.Load()
}
