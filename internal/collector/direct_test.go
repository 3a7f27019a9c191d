package collector

import (
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/sockindex"
)

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
	return kentikapi.Device{Name: "host1", CustomCols: cols}
}

// localhostClient points a kentikapi.Client at an httptest server by
// rewriting its loopback address into the "localhost:<port>" region
// NewURLs treats as an http-scheme escape hatch.
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

func TestDirectSendPostsGzippedPayload(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip.NewReader: %v", err)
			return
		}
		gotBody, _ = io.ReadAll(gz)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := localhostClient(t, srv)
	d, err := NewDirect(client, testDevice(), "host1")
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}

	f := flow.Flow{Key: flow.Key{
		Protocol: flow.TCP,
		Src:      flow.Endpoint{Addr: net.ParseIP("10.0.0.1"), Port: 1234},
		Dst:      flow.Endpoint{Addr: net.ParseIP("10.0.0.2"), Port: 80},
	}}
	records := []sockindex.Record{{Flow: f}}

	if err := d.Send(records); err != nil {
		t.Fatalf("Send returned error (should log+drop, not propagate): %v", err)
	}
	if !strings.HasSuffix(gotPath, "/chf") {
		t.Errorf("path = %q, want suffix /chf", gotPath)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected non-empty decoded payload")
	}
}

func TestDirectSendDropsFailedChunkWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := localhostClient(t, srv)
	d, err := NewDirect(client, testDevice(), "host1")
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}

	records := []sockindex.Record{{Flow: flow.Flow{}}}
	if err := d.Send(records); err != nil {
		t.Fatalf("Send must log+drop per-chunk failures, got error: %v", err)
	}
}

func TestDirectSendProcessReportPropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := localhostClient(t, srv)
	d, err := NewDirect(client, testDevice(), "host1")
	if err != nil {
		t.Fatalf("NewDirect: %v", err)
	}

	if err := d.SendProcessReport("host1", nil); err == nil {
		t.Fatal("expected SendProcessReport to propagate the POST failure")
	}
}

