// Package shutdown provides the atomic cancellation flag that the capture
// loop and the probe ring pump poll on each iteration. The link monitor and
// the aggregator stop through their own channel and context instead.
package shutdown

import "sync/atomic"

// Flag is a process-wide shutdown signal, safe for concurrent use.
type Flag struct {
	set atomic.Bool
}

// New returns a Flag that is not yet set.
func New() *Flag {
	return &Flag{}
}

// Trigger sets the flag. Idempotent.
func (f *Flag) Trigger() {
	f.set.Store(true)
}

// Done reports whether the flag has been set.
func (f *Flag) Done() bool {
	return f.set.Load()
}
