//go:build !linux

package probe

import (
	"github.com/otus-agent/otus/internal/errs"
	"github.com/otus-agent/otus/internal/shutdown"
)

// Load is unsupported outside Linux: kprobes, tracefs, and the BPF syscall
// ABI this package drives are all Linux-only kernel facilities.
func Load(bytecode []byte, done *shutdown.Flag) (Source, error) {
	return nil, errs.New(errs.Probe, "kernel-probe source requires linux")
}
