// Package sockindex correlates socket lifecycle events (from the kernel
// probe source) with captured flows, attributing each flow's endpoints to
// the process that owns the socket. Grounded on
// orig:src/sockets/sockets.rs's Sockets/Socket and orig:src/sockets/mod.rs's
// Event/Kind.
package sockindex

import (
	"sync"
	"time"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/procindex"
)

// Kind mirrors probe.Kind's taxonomy without importing that package, so
// this package stays usable from the aggregator side where no kernel probe
// runs. Values are bit-exact with orig:src/sockets/mod.rs's Kind.
type Kind uint32

const (
	Connect Kind = 1
	Accept  Kind = 2
	TX      Kind = 3
	RX      Kind = 4
	Close   Kind = 5
)

// Event is a socket lifecycle notification, already attributed to process
// metadata by the caller (the probe source only carries a pid).
type Event struct {
	Kind  Kind
	Proto flow.Protocol
	Src   flow.Endpoint
	Dst   flow.Endpoint
	Proc  procindex.Process
	SRTT  time.Duration
}

type socket struct {
	proc procindex.Process
	srtt time.Duration
	seen time.Time
}

// Record pairs a captured Flow with whichever endpoint(s) the socket index
// could attribute to a process, and the most recently observed srtt for
// that 5-tuple, grounded on orig:src/collect/mod.rs's Record.
type Record struct {
	Flow flow.Flow
	Src  *procindex.Process
	Dst  *procindex.Process
	SRTT time.Duration
}

// Sockets is a key -> socket map with a 60s TTL, grounded on
// orig:src/sockets/sockets.rs's Sockets struct.
type Sockets struct {
	mu      sync.Mutex
	socks   map[string]socket // keyed by flow.Key.MapKey()
	timeout time.Duration
}

// New returns an empty index with the standard 60s eviction timeout.
func New() *Sockets {
	return &Sockets{
		socks:   make(map[string]socket),
		timeout: 60 * time.Second,
	}
}

// Update applies a socket lifecycle event. Connect/Accept/TX/RX upsert the
// socket's process and refresh its srtt and last-seen time; process
// attribution is first-writer-wins (an existing entry keeps its original
// proc) while srtt is last-writer-wins, matching sockets.rs's insert(): a
// pre-existing entry only has its srtt field touched, never its proc.
// Close is a no-op — the socket is left for the TTL reaper, since a Close
// notification can race with flows still in flight for that 5-tuple.
func (s *Sockets) Update(e Event) {
	switch e.Kind {
	case Close:
		return
	}

	key := flow.Key{Protocol: e.Proto, Src: e.Src, Dst: e.Dst}.MapKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sock, ok := s.socks[key]; ok {
		sock.srtt = e.SRTT
		sock.seen = time.Now()
		s.socks[key] = sock
		return
	}

	s.socks[key] = socket{proc: e.Proc, srtt: e.SRTT, seen: time.Now()}
}

// Merge attributes each flow to its src and/or dst process, looking up both
// (protocol, src, dst) and (protocol, dst, src) — a flow can match the
// socket's perspective from either direction — and reports whichever srtt
// was last observed for the matching entries. Grounded on
// orig:src/sockets/sockets.rs's merge().
func (s *Sockets) Merge(flows []flow.Flow) []Record {
	records := make([]Record, 0, len(flows))

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	lookup := func(key flow.Key) (*procindex.Process, time.Duration, bool) {
		k := key.MapKey()
		sock, ok := s.socks[k]
		if !ok {
			return nil, 0, false
		}
		sock.seen = now
		s.socks[k] = sock
		proc := sock.proc
		return &proc, sock.srtt, true
	}

	for _, f := range flows {
		var srtt time.Duration

		src, s, ok := lookup(flow.Key{Protocol: f.Key.Protocol, Src: f.Key.Src, Dst: f.Key.Dst})
		if ok {
			srtt = s
		}
		dst, s, ok := lookup(flow.Key{Protocol: f.Key.Protocol, Src: f.Key.Dst, Dst: f.Key.Src})
		if ok {
			srtt = s
		}

		records = append(records, Record{Flow: f, Src: src, Dst: dst, SRTT: srtt})
	}

	return records
}

// Compact evicts every socket not touched within the TTL window.
func (s *Sockets) Compact() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sock := range s.socks {
		if now.Sub(sock.seen) >= s.timeout {
			delete(s.socks, key)
		}
	}
}
