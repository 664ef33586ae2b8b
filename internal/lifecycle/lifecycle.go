// Package lifecycle implements process-level signal handling. Grounded on
// the teacher's internal/core/lifecycle.go WaitForSignals, unchanged in
// shape since a server process wants exactly the same "block for
// SIGINT/SIGTERM, then run one shutdown callback" behavior as the desktop
// app did.
package lifecycle

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignals blocks the calling goroutine until SIGINT or SIGTERM
// arrives, then invokes onSignal.
func WaitForSignals(onSignal func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	if onSignal != nil {
		onSignal()
	}
}
