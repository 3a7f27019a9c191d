// Package wire implements the length-delimited JSON framing used between
// the collector/sink (C7) and the aggregator (C8), and between the
// Kubernetes sidecar and its listener. Grounded on
// original_source/src/collect/collect.rs and src/agg.rs's use of
// tokio_util::codec::LengthDelimitedCodec + tokio_serde::Json: a 4-byte
// big-endian length prefix followed by a JSON-encoded payload, capped at
// 32 MiB per frame.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameLength is the hard cap on a single frame's payload size.
const MaxFrameLength = 32 * 1024 * 1024

// WriteFrame encodes v as JSON and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(body) > MaxFrameLength {
		return fmt.Errorf("wire: frame of %d bytes exceeds %d byte cap", len(body), MaxFrameLength)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// Reader decodes a stream of length-prefixed JSON frames.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame blocks for the next frame and decodes it into v. Returns
// io.EOF when the underlying stream closes cleanly between frames.
func (fr *Reader) ReadFrame(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameLength {
		return fmt.Errorf("wire: frame of %d bytes exceeds %d byte cap", size, MaxFrameLength)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return fmt.Errorf("wire: read frame body: %w", err)
	}

	return json.Unmarshal(body, v)
}
