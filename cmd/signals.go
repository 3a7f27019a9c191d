package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/otus-agent/otus/internal/shutdown"
)

// runWithSignals blocks until SIGINT/SIGTERM, then triggers done (if set)
// and cancels ctx for an orderly shutdown (spec.md §6: "SIGINT/SIGTERM ⇒
// orderly shutdown"). If onUSR1 is non-nil, SIGUSR1 invokes it instead of
// exiting — the aggregator's debug-dump toggle is the only role that wires
// one.
func runWithSignals(cancel context.CancelFunc, done *shutdown.Flag, onUSR1 func()) {
	sigs := make(chan os.Signal, 1)
	watch := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	if onUSR1 != nil {
		watch = append(watch, syscall.SIGUSR1)
	}
	signal.Notify(sigs, watch...)

	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			onUSR1()
			continue
		}
		if done != nil {
			done.Trigger()
		}
		cancel()
		return
	}
}
