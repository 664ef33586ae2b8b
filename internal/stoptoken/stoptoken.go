// Package stoptoken implements the per-task cooperative cancellation
// primitive used by the task engine: a one-shot, two-mode stop signal that
// every HTTP round trip and every fan-out slot polls at its suspension
// points.
package stoptoken

import "sync/atomic"

// Mode is the state of a Token.
type Mode int32

const (
	None Mode = iota
	Pause
	Cancel
)

func (m Mode) String() string {
	switch m {
	case Pause:
		return "pause"
	case Cancel:
		return "cancel"
	default:
		return "none"
	}
}

// Token is a per-task cooperative stop signal. The zero value is ready to
// use. Signal is idempotent: only the first call after None wins.
type Token struct {
	mode atomic.Int32
}

// New returns a fresh, unsignaled Token.
func New() *Token {
	return &Token{}
}

// Mode returns the current mode in O(1).
func (t *Token) Mode() Mode {
	return Mode(t.mode.Load())
}

// Signal requests the given mode. Only the first signal on a Token takes
// effect; later calls (including with a different mode) are no-ops.
func (t *Token) Signal(m Mode) {
	t.mode.CompareAndSwap(int32(None), int32(m))
}

// Stopped is the distinguished outcome returned when a poll observes a
// non-None mode. It is not an ordinary error: callers must special-case it
// so that it unwinds to "paused" or "canceled" instead of "failed".
type Stopped struct {
	Mode Mode
}

func (s *Stopped) Error() string {
	return "stopped: " + s.Mode.String()
}

// Check polls the token and returns a *Stopped if it has been signaled.
// Call at every suspension point: before sending an HTTP request, between
// chunks of a streamed body, and before/after each fan-out job.
func Check(t *Token) error {
	if t == nil {
		return nil
	}
	if m := t.Mode(); m != None {
		return &Stopped{Mode: m}
	}
	return nil
}

// As reports whether err is a *Stopped, mirroring errors.As without
// pulling in the errors package's chain-walking for this single-level use.
func As(err error) (*Stopped, bool) {
	s, ok := err.(*Stopped)
	return s, ok
}
