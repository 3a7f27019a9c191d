package collector

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/sockindex"
	"github.com/otus-agent/otus/internal/wire"
)

// reconnectBackoff is the fixed delay between dial attempts, grounded on
// original_source/src/collect/collect.rs's dispatch() connect() retry loop.
const reconnectBackoff = time.Second

// wireRecord is the JSON shape sent to the aggregator: flow plus whichever
// process metadata the socket index attributed, matching spec.md §4.8's
// "incoming Records vector" wire contract.
type wireRecord struct {
	Flow flow.Flow          `json:"flow"`
	Src  *procindex.Process `json:"src,omitempty"`
	Dst  *procindex.Process `json:"dst,omitempty"`
	SRTT time.Duration      `json:"srtt"`
	Node string             `json:"node"`
}

// processReport is the wire shape for the periodic process snapshot.
type processReport struct {
	Node  string              `json:"node"`
	Procs []procindex.Process `json:"procs"`
}

// Forward is the aggregator-forwarding Destination: a single persistent TCP
// connection, redialed with a fixed backoff on disconnect, carrying
// length-delimited JSON frames. Grounded on
// original_source/src/collect/collect.rs's dispatch().
type Forward struct {
	Addr string
	Node string

	mu   sync.Mutex
	conn net.Conn
}

// NewForward returns a Forward that dials lazily on first Send.
func NewForward(addr, node string) *Forward {
	return &Forward{Addr: addr, Node: node}
}

// Send frames records as JSON and writes them to the aggregator
// connection. A write failure closes and drops the connection, so the next
// Send dials a fresh socket; a failed dial waits reconnectBackoff first.
func (f *Forward) Send(records []sockindex.Record) error {
	out := make([]wireRecord, 0, len(records))
	for _, r := range records {
		out = append(out, wireRecord{
			Flow: r.Flow,
			Src:  r.Src,
			Dst:  r.Dst,
			SRTT: r.SRTT,
			Node: f.Node,
		})
	}
	return f.send(out)
}

// SendProcessReport frames a process-report snapshot the same way.
func (f *Forward) SendProcessReport(node string, procs []procindex.Process) error {
	return f.send(processReport{Node: node, Procs: procs})
}

func (f *Forward) send(v any) error {
	log := logging.With("collector-forward")

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		conn, err := f.dial()
		if err != nil {
			log.WithError(err).WithField("addr", f.Addr).Warn("failed to connect to aggregator")
			return err
		}
		f.conn = conn
	}

	if err := wire.WriteFrame(f.conn, v); err != nil {
		log.WithError(err).Warn("aggregator write failed, will reconnect on next send")
		f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

// dial makes one connection attempt bounded by a 10s timeout. On failure it
// sleeps reconnectBackoff before returning the error; it does not retry, and
// Close (which waits on the same mutex as send) cannot interrupt it.
func (f *Forward) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.Addr)
	if err != nil {
		time.Sleep(reconnectBackoff)
		return nil, err
	}
	return conn, nil
}

// Close releases the underlying connection, if any.
func (f *Forward) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
