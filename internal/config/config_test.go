package config

import (
	"os"
	"testing"
)

func TestDefaultCaptureConfig(t *testing.T) {
	cfg := Default()
	if cfg.Capture.SnapLen != 128 {
		t.Errorf("snaplen = %d, want 128", cfg.Capture.SnapLen)
	}
	if cfg.Capture.BufferSize != 10*1024*1024 {
		t.Errorf("buffer_size = %d, want 10MB", cfg.Capture.BufferSize)
	}
	if !cfg.Capture.Promisc {
		t.Error("promisc should default to true")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/otus.yml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Name == "" {
		t.Error("node name should fall back to hostname")
	}
	host, _ := os.Hostname()
	if cfg.Node.Name != host {
		t.Errorf("node name = %q, want hostname %q", cfg.Node.Name, host)
	}
}

func TestLoadNodeNameFromFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "otus-*.yml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("node:\n  name: test-node\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Name != "test-node" {
		t.Errorf("node name = %q, want test-node", cfg.Node.Name)
	}
}
