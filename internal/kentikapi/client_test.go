package kentikapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/otus-agent/otus/internal/errs"
)

func TestNewURLsRegions(t *testing.T) {
	cases := map[string]string{
		"":        "https://api.kentik.com/api/v5",
		"US":      "https://api.kentik.com/api/v5",
		"EU":      "https://api.kentik.eu/api/v5",
		"fr":      "https://api.fr.kentik.com/api/v5",
		"localhost:8080": "http://localhost:8080/api/v5",
	}
	for region, want := range cases {
		got := NewURLs(region).API
		if got != want {
			t.Errorf("NewURLs(%q).API = %q, want %q", region, got, want)
		}
	}
}

func TestDeviceColumnLookup(t *testing.T) {
	d := Device{CustomCols: []Column{{ID: 42, Name: "APP_PROTOCOL"}}}
	id, ok := d.Column("APP_PROTOCOL")
	if !ok || id != 42 {
		t.Fatalf("Column lookup = (%d, %v), want (42, true)", id, ok)
	}
	if _, ok := d.Column("MISSING"); ok {
		t.Error("expected missing column to report ok=false")
	}
}

func TestDoTranslatesUnauthorizedToAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("e@example.com", "tok", "US")
	var out any
	err := c.Get(context.Background(), srv.URL, &out)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errs.Is(err, errs.Auth) {
		t.Errorf("err = %v, want an Auth error", err)
	}
}

func TestGetOrCreateDeviceCreatesOn404(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && !created:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
		case r.Method == http.MethodPost:
			created = true
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(deviceWrapper{Device: Device{Name: "host1"}})
		default:
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(deviceWrapper{Device: Device{Name: "host1", ID: 7}})
		}
	}))
	defer srv.Close()

	c := New("e@example.com", "tok", "US")
	c.urls = Urls{Internal: srv.URL}

	device, err := c.GetOrCreateDevice(context.Background(), "host1", nil)
	if err != nil {
		t.Fatalf("GetOrCreateDevice: %v", err)
	}
	if device.Name != "host1" {
		t.Errorf("device.Name = %q, want host1", device.Name)
	}
	if !strings.Contains(device.Name, "host1") {
		t.Fatal("sanity check")
	}
}
