// Package aggregator implements C8: a central process that receives Record
// batches from many agents over TCP, combines them into a per-flow-key
// window, enriches with process and Kubernetes metadata, and POSTs the
// encoded result to the ingestion API. Grounded on
// original_source/src/{agg.rs,combine/combine.rs}.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/otus-agent/otus/internal/encoder"
	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/wire"
)

// chunkSize bounds how many flow-key entries are packed into a single
// encode+POST, mirroring the collector's direct-export chunking.
const chunkSize = 16384

// defaultMetaTTL is the side index's default lifetime for last-known
// process/node metadata per endpoint, spec.md §4.8.
const defaultMetaTTL = 60 * time.Second

// IncomingRecord is the wire shape an agent sends: one flow plus whichever
// endpoint metadata its socket index attributed, matching
// internal/collector.Forward's JSON frame.
type IncomingRecord struct {
	Flow flow.Flow          `json:"flow"`
	Src  *procindex.Process `json:"src,omitempty"`
	Dst  *procindex.Process `json:"dst,omitempty"`
	SRTT time.Duration      `json:"srtt"`
	Node string             `json:"node"`
}

type aggEntry struct {
	flow flow.Flow
	src  *procindex.Process
	dst  *procindex.Process
	srtt time.Duration
	node string
}

type metaEntry struct {
	proc *procindex.Process
	node string
	seen time.Time
}

// metaIndex is the (addr,port)-keyed side index of last-known process/node
// metadata, independent of the flow aggregate's own window rotation so
// metadata survives between non-adjacent windows for the same endpoint.
type metaIndex struct {
	mu      sync.Mutex
	entries map[string]metaEntry
	ttl     time.Duration
}

func newMetaIndex(ttl time.Duration) *metaIndex {
	if ttl <= 0 {
		ttl = defaultMetaTTL
	}
	return &metaIndex{entries: make(map[string]metaEntry), ttl: ttl}
}

func endpointKey(ep flow.Endpoint) string {
	return fmt.Sprintf("%s:%d", ep.Addr, ep.Port)
}

func (m *metaIndex) update(key string, proc *procindex.Process, node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if proc != nil {
		e.proc = proc
	}
	if node != "" {
		e.node = node
	}
	e.seen = time.Now()
	m.entries[key] = e
}

func (m *metaIndex) get(key string) (*procindex.Process, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ""
	}
	return e.proc, e.node
}

func (m *metaIndex) reap() {
	now := time.Now()
	m.mu.Lock()
	for k, e := range m.entries {
		if now.Sub(e.seen) >= m.ttl {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}

// Aggregator is the C8 sink: a TCP accept loop feeding a combined flow-key
// map, exported on a fixed timer through the Kubernetes-enriched encoder.
type Aggregator struct {
	Addr     string // agent-facing listen address
	Client   *kentikapi.Client
	Device   kentikapi.Device
	Enc      *encoder.Encoder
	Kube     *KubeIndex
	Interval time.Duration // export tick; spec.md default ~15s

	mu    sync.Mutex
	queue map[string]*aggEntry
	meta  *metaIndex
	dump  atomic.Bool
}

// New builds an Aggregator with the default 60s metadata TTL. Kube may be
// nil, in which case exported records carry no Kubernetes enrichment.
func New(addr string, client *kentikapi.Client, device kentikapi.Device, kube *KubeIndex, interval time.Duration) (*Aggregator, error) {
	return NewWithMetaTTL(addr, client, device, kube, interval, defaultMetaTTL)
}

// NewWithMetaTTL is New with an explicit metadata-retention window (the
// --meta-ttl CLI flag), spec.md §4.8's "last-known metadata" lifetime.
func NewWithMetaTTL(addr string, client *kentikapi.Client, device kentikapi.Device, kube *KubeIndex, interval, metaTTL time.Duration) (*Aggregator, error) {
	enc, err := encoder.New(device)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Aggregator{
		Addr:     addr,
		Client:   client,
		Device:   device,
		Enc:      enc,
		Kube:     kube,
		Interval: interval,
		queue:    make(map[string]*aggEntry),
		meta:     newMetaIndex(metaTTL),
	}, nil
}

// Dump arms a one-shot debug print of the current aggregate at the next
// export tick, grounded on original_source/src/combine/combine.rs's
// AtomicBool-backed dump() (driven by SIGUSR1 at the CLI layer).
func (a *Aggregator) Dump() {
	a.dump.Store(true)
}

// Run accepts agent connections and drives the export timer until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	log := logging.With("aggregator")

	ln, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.acceptLoop(ctx, ln, log)
	}()

	ticker := time.NewTicker(a.Interval)
	reapTicker := time.NewTicker(a.meta.ttl)
	defer ticker.Stop()
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			a.export(log)
		case <-reapTicker.C:
			a.meta.reap()
		}
	}
}

func (a *Aggregator) acceptLoop(ctx context.Context, ln net.Listener, log *logrus.Entry) {
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			default:
			}
			log.WithError(err).Warn("agent listener accept failed")
			wg.Wait()
			return
		}
		log.WithField("remote", conn.RemoteAddr()).Debug("agent connected")
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.serveAgent(conn, log)
		}()
	}
}

func (a *Aggregator) serveAgent(conn net.Conn, log *logrus.Entry) {
	defer conn.Close()
	r := wire.NewReader(conn)
	for {
		var frame json.RawMessage
		if err := r.ReadFrame(&frame); err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("agent connection closed")
			}
			return
		}
		// Agents also send process-report objects on this connection; only
		// frames that decode as a record array are combined, others are skipped.
		var records []IncomingRecord
		if err := json.Unmarshal(frame, &records); err != nil {
			log.WithError(err).Debug("skipping non-record frame")
			continue
		}
		a.combine(records)
	}
}

// combine merges incoming records into the live window: counters summed
// per flow key, metadata refreshed in the side index regardless of whether
// the flow key itself existed yet.
func (a *Aggregator) combine(records []IncomingRecord) {
	a.mu.Lock()
	for _, r := range records {
		key := r.Flow.Key.MapKey()
		if e, ok := a.queue[key]; ok {
			e.flow.Bytes += r.Flow.Bytes
			e.flow.Packets += r.Flow.Packets
			e.flow.TOS |= r.Flow.TOS
			e.flow.Transport.Flags |= r.Flow.Transport.Flags
			if r.Src != nil {
				e.src = r.Src
			}
			if r.Dst != nil {
				e.dst = r.Dst
			}
			if r.Node != "" {
				e.node = r.Node
			}
		} else {
			a.queue[key] = &aggEntry{flow: r.Flow, src: r.Src, dst: r.Dst, srtt: r.SRTT, node: r.Node}
		}
	}
	a.mu.Unlock()

	for _, r := range records {
		a.meta.update(endpointKey(r.Flow.Key.Src), r.Src, r.Node)
		a.meta.update(endpointKey(r.Flow.Key.Dst), r.Dst, r.Node)
	}
}

// export rotates the live map out from under the producers, re-attaches
// side-index metadata and Kubernetes enrichment, then chunks, encodes and
// POSTs the result.
func (a *Aggregator) export(log *logrus.Entry) {
	a.mu.Lock()
	drain := a.queue
	a.queue = make(map[string]*aggEntry)
	a.mu.Unlock()

	if len(drain) == 0 {
		return
	}

	if a.dump.Swap(false) {
		a.logDump(drain, log)
	}

	records := make([]encoder.Record, 0, len(drain))
	for _, e := range drain {
		records = append(records, a.buildRecord(e))
	}

	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		payload := a.Enc.Encode(records[start:end])
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := a.Client.Flow(ctx, a.Device, payload)
		cancel()
		if err != nil {
			log.WithError(err).WithField("count", end-start).Warn("aggregator export chunk failed")
		}
	}
}

func (a *Aggregator) buildRecord(e *aggEntry) encoder.Record {
	src, dst := e.src, e.dst
	node := e.node

	if src == nil {
		if p, n := a.meta.get(endpointKey(e.flow.Key.Src)); p != nil {
			src = p
			if node == "" {
				node = n
			}
		}
	}
	if dst == nil {
		if p, n := a.meta.get(endpointKey(e.flow.Key.Dst)); p != nil {
			dst = p
			if node == "" {
				node = n
			}
		}
	}

	rec := encoder.Record{Flow: e.flow, Src: src, Dst: dst, SRTT: e.srtt, Node: node}

	if a.Kube != nil {
		if meta, ok := a.Kube.Resolve(e.flow.Key.Src.Addr, containerOf(src)); ok {
			rec.Kube = meta
		} else if meta, ok := a.Kube.Resolve(e.flow.Key.Dst.Addr, containerOf(dst)); ok {
			rec.Kube = meta
		}
	}
	return rec
}

func containerOf(p *procindex.Process) string {
	if p == nil {
		return ""
	}
	return p.Container
}

func (a *Aggregator) logDump(drain map[string]*aggEntry, log *logrus.Entry) {
	log.Debug("aggregator state:")
	for _, e := range drain {
		src := "??"
		if e.src != nil {
			src = e.src.Comm
		}
		dst := "??"
		if e.dst != nil {
			dst = e.dst.Comm
		}
		log.Debugf("%s:%d -> %s:%d: %s -> %s",
			e.flow.Key.Src.Addr, e.flow.Key.Src.Port,
			e.flow.Key.Dst.Addr, e.flow.Key.Dst.Port,
			src, dst)
	}
}
