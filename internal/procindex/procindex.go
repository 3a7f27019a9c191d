// Package procindex resolves a PID to process metadata (comm, cmdline,
// cgroups, container id) and caches it, grounded on
// orig:src/process/{mod.rs,procs.rs}'s Process/Procs types: a 60s-TTL cache
// populated by both an on-demand lookup and a periodic full rescan, with a
// 60s reaper evicting entries not touched since.
package procindex

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/otus-agent/otus/internal/logging"
)

// CGroup is one line of /proc/<pid>/cgroup.
type CGroup struct {
	Hierarchy   uint32
	Controllers []string
	Path        string
}

// Process is the metadata attached to flows and socket records for
// attribution, grounded on orig:src/process/mod.rs's Process struct.
type Process struct {
	PID       uint32
	Comm      string
	Cmdline   []string
	CGroups   []CGroup
	Container string // kubepods container id, "" if not in a kubepods cgroup
}

type entry struct {
	proc Process
	seen time.Time
}

// Index is a PID->Process cache with lazy on-demand lookups plus a
// background rescan/reap loop, mirroring Procs::{get,exec,scan,reap}.
type Index struct {
	mu      sync.Mutex
	entries map[uint32]entry
	ttl     time.Duration
	scan    time.Duration

	// lookup is swappable for tests; production wires platformLookup.
	lookup func(pid uint32) (Process, error)
	list   func() ([]Process, error)
}

// New builds an Index using the platform-specific lookup/list backends.
func New() *Index {
	return &Index{
		entries: make(map[uint32]entry),
		ttl:     60 * time.Second,
		scan:    60 * time.Second,
		lookup:  platformLookup,
		list:    platformList,
	}
}

// Get returns cached metadata for pid, loading it on first reference. A pid
// this cache has never seen returns a Process carrying only its PID (every
// other field zero) when the backend lookup fails; that result is not cached
// (spec.md's not-found -> Default values rule).
func (ix *Index) Get(pid uint32) Process {
	ix.mu.Lock()
	if e, ok := ix.entries[pid]; ok {
		e.seen = time.Now()
		ix.entries[pid] = e
		ix.mu.Unlock()
		return e.proc
	}
	ix.mu.Unlock()

	proc, err := ix.lookup(pid)
	if err != nil {
		return Process{PID: pid}
	}

	ix.mu.Lock()
	ix.entries[pid] = entry{proc: proc, seen: time.Now()}
	ix.mu.Unlock()
	return proc
}

// List returns a snapshot of every cached process, the backend for the
// periodic process-report snapshot the collector emits (spec.md §4.7).
func (ix *Index) List() []Process {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	procs := make([]Process, 0, len(ix.entries))
	for _, e := range ix.entries {
		procs = append(procs, e.proc)
	}
	return procs
}

// Run drives the periodic full rescan and TTL reaper until ctx is done.
func (ix *Index) Run(ctx context.Context) {
	log := logging.With("procindex")
	scanTicker := time.NewTicker(ix.scan)
	reapTicker := time.NewTicker(ix.ttl)
	defer scanTicker.Stop()
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			ix.rescan(log)
		case <-reapTicker.C:
			ix.reap()
		}
	}
}

func (ix *Index) rescan(log *logrus.Entry) {
	procs, err := ix.list()
	if err != nil {
		log.WithError(err).Warn("process scan failed")
		return
	}
	now := time.Now()
	ix.mu.Lock()
	for _, p := range procs {
		ix.entries[p.PID] = entry{proc: p, seen: now}
	}
	ix.mu.Unlock()
	log.WithField("count", len(procs)).Debug("scanned processes")
}

func (ix *Index) reap() {
	now := time.Now()
	ix.mu.Lock()
	for pid, e := range ix.entries {
		if now.Sub(e.seen) >= ix.ttl {
			delete(ix.entries, pid)
		}
	}
	ix.mu.Unlock()
}
