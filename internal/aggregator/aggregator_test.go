package aggregator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/wire"
)

func nullLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testDevice() kentikapi.Device {
	names := []string{
		"APPL_LATENCY_MS", "APP_PROTOCOL", "INT00", "INT01", "INT02",
		"STR00", "STR01", "STR02", "STR03", "STR04", "STR05", "STR06",
		"STR07", "STR08", "STR09", "STR10", "STR11", "STR12", "STR13",
		"STR14", "STR15", "STR16", "STR17", "STR18", "STR19", "STR20",
		"STR21",
	}
	cols := make([]kentikapi.Column, len(names))
	for i, n := range names {
		cols[i] = kentikapi.Column{ID: uint64(i + 1), Name: n}
	}
	return kentikapi.Device{Name: "agg", CustomCols: cols}
}

func localhostClient(t *testing.T, srv *httptest.Server) *kentikapi.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	return kentikapi.New("e@example.com", "tok", "localhost:"+port)
}

func testFlow(srcPort, dstPort uint16, bytes, packets uint64) flow.Flow {
	return flow.Flow{
		Key: flow.Key{
			Protocol: flow.TCP,
			Src:      flow.Endpoint{Addr: net.ParseIP("10.0.0.1"), Port: srcPort},
			Dst:      flow.Endpoint{Addr: net.ParseIP("10.0.0.2"), Port: dstPort},
		},
		Bytes:   bytes,
		Packets: packets,
	}
}

func TestCombineSumsCountersForMatchingKey(t *testing.T) {
	a := &Aggregator{queue: make(map[string]*aggEntry), meta: newMetaIndex(0)}

	a.combine([]IncomingRecord{
		{Flow: testFlow(1111, 80, 100, 1)},
		{Flow: testFlow(1111, 80, 250, 1)},
	})

	if len(a.queue) != 1 {
		t.Fatalf("expected 1 aggregate key, got %d", len(a.queue))
	}
	for _, e := range a.queue {
		if e.flow.Bytes != 350 || e.flow.Packets != 2 {
			t.Errorf("flow = %+v, want bytes=350 packets=2", e.flow)
		}
	}
}

func TestCombineKeepsMetadataAcrossNonAdjacentWindows(t *testing.T) {
	a := &Aggregator{queue: make(map[string]*aggEntry), meta: newMetaIndex(0)}

	proc := &procindex.Process{PID: 42, Comm: "curl"}
	a.combine([]IncomingRecord{{Flow: testFlow(1111, 80, 10, 1), Src: proc, Node: "host1"}})

	// Export rotates the queue; metadata in the side index should survive.
	a.mu.Lock()
	a.queue = make(map[string]*aggEntry)
	a.mu.Unlock()

	a.combine([]IncomingRecord{{Flow: testFlow(1111, 80, 20, 1)}})

	a.mu.Lock()
	var got *aggEntry
	for _, e := range a.queue {
		got = e
	}
	a.mu.Unlock()

	rec := a.buildRecord(got)
	if rec.Src == nil || rec.Src.Comm != "curl" {
		t.Fatalf("expected side-index metadata to re-attach, got %+v", rec.Src)
	}
	if rec.Node != "host1" {
		t.Errorf("Node = %q, want host1", rec.Node)
	}
}

func TestExportPostsEncodedChunkAndDrainsQueue(t *testing.T) {
	posted := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg, err := New("127.0.0.1:0", localhostClient(t, srv), testDevice(), nil, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	agg.combine([]IncomingRecord{{Flow: testFlow(1111, 80, 10, 1)}})
	agg.export(nullLogger())

	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an export POST")
	}

	if len(agg.queue) != 0 {
		t.Errorf("expected queue to be drained after export, got %d entries", len(agg.queue))
	}
}

func TestExportSkipsPostWhenQueueEmpty(t *testing.T) {
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg, err := New("127.0.0.1:0", localhostClient(t, srv), testDevice(), nil, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	agg.export(nullLogger())
	if posted {
		t.Error("expected no POST when the queue is empty")
	}
}

func TestRunAcceptsAgentFrameAndCombines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agg, err := New("127.0.0.1:0", localhostClient(t, srv), testDevice(), nil, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	agg.Addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	// Give the listener a moment to come up, then dial and send a frame.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", agg.Addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, []IncomingRecord{{Flow: testFlow(1111, 80, 10, 1)}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		agg.mu.Lock()
		n := len(agg.queue)
		agg.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	agg.mu.Lock()
	n := len(agg.queue)
	agg.mu.Unlock()
	if n == 0 {
		t.Fatal("expected the agent frame to be combined into the queue")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
