package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	type payload struct {
		Name string
		N    int
	}
	want := payload{Name: "flow", N: 42}

	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got payload
	if err := NewReader(&buf).ReadFrame(&got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestReadFrameEOFOnEmptyStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	var v any
	if err := r.ReadFrame(&v); err != io.EOF {
		t.Errorf("ReadFrame on empty stream = %v, want io.EOF", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxFrameLength+1)
	if err := WriteFrame(&buf, big); err == nil {
		t.Error("expected oversized payload to be rejected")
	}
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, "one")
	WriteFrame(&buf, "two")

	r := NewReader(&buf)
	var a, b string
	if err := r.ReadFrame(&a); err != nil {
		t.Fatal(err)
	}
	if err := r.ReadFrame(&b); err != nil {
		t.Fatal(err)
	}
	if a != "one" || b != "two" {
		t.Errorf("got (%q, %q)", a, b)
	}
}
