// Package progress implements the rate-limited progress reporter shared by
// the scheduler and every source adapter: a task's Downloaded/Total/Message
// fields are updated far more often than they're worth persisting, so
// writes are coalesced to at most one every 500ms unless the total or the
// message actually changed. Grounded on the teacher engine's ticker-driven
// progress loop in executeTask and the counters in core/stats.go.
package progress

import (
	"sync"
	"time"
)

// Sink receives a committed progress snapshot. Implemented by the task
// store so Reporter stays storage-agnostic.
type Sink interface {
	SetProgress(downloaded, total int64, message string)
}

const minInterval = 500 * time.Millisecond

// Reporter rate-limits writes to a Sink. The zero value is not usable; use
// New.
type Reporter struct {
	mu       sync.Mutex
	sink     Sink
	total    int64
	done     int64
	message  string
	lastSent time.Time
	sent     bool
	now      func() time.Time
}

// New returns a Reporter writing through to sink. now defaults to
// time.Now; tests may override it to control rate-limiting deterministically.
func New(sink Sink) *Reporter {
	return &Reporter{sink: sink, now: time.Now}
}

// SetNowFunc overrides the clock used for rate-limiting. Test-only.
func (r *Reporter) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetTotal records the known total unit count (bytes or page count,
// adapter-dependent) and forces an immediate write since the total changing
// is always worth surfacing right away.
func (r *Reporter) SetTotal(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.total != total
	r.total = total
	if changed {
		r.flushLocked(true)
	}
}

// Advance adds delta units to the downloaded counter and writes through if
// the rate limit allows it.
func (r *Reporter) Advance(delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done += delta
	r.flushLocked(false)
}

// EnsureAtLeast raises the downloaded counter to at least value, never
// lowering it, and writes through if the rate limit allows it. Used when an
// adapter can report coarse absolute progress (e.g. "page 4 of 12
// complete") rather than incremental deltas.
func (r *Reporter) EnsureAtLeast(value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value > r.done {
		r.done = value
	}
	r.flushLocked(false)
}

// SetMessage updates the human-readable status line and forces an
// immediate write, since a message change (e.g. "retrying 3/5") is always
// worth surfacing right away regardless of the rate limit.
func (r *Reporter) SetMessage(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.message != message
	r.message = message
	if changed {
		r.flushLocked(true)
	}
}

// Flush forces an immediate write regardless of the rate limit. Call once
// after an adapter finishes so the final snapshot is never dropped by the
// rate limiter.
func (r *Reporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked(true)
}

func (r *Reporter) flushLocked(force bool) {
	now := r.now()
	if !force && r.sent && now.Sub(r.lastSent) < minInterval {
		return
	}
	r.sink.SetProgress(r.done, r.total, r.message)
	r.lastSent = now
	r.sent = true
}
