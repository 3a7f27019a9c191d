package collector

import (
	"context"
	"time"

	"github.com/otus-agent/otus/internal/encoder"
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/sockindex"
)

// directChunkSize is the Records-per-payload cap spec.md §4.7 names.
const directChunkSize = 16384

// Direct is the HTTP-export Destination: it chunks, encodes, and POSTs
// directly to the ingestion API. Grounded on
// original_source/src/export/export.rs's Export::export.
type Direct struct {
	Client *kentikapi.Client
	Device kentikapi.Device
	Enc    *encoder.Encoder
	Node   string
}

// NewDirect resolves the encoder's column catalog against device.
func NewDirect(client *kentikapi.Client, device kentikapi.Device, node string) (*Direct, error) {
	enc, err := encoder.New(device)
	if err != nil {
		return nil, err
	}
	return &Direct{Client: client, Device: device, Enc: enc, Node: node}, nil
}

// Send chunks records at directChunkSize and POSTs each chunk. A failed
// chunk is logged and dropped — spec.md §4.7: "the next window will
// re-report live flows" covers the loss.
func (d *Direct) Send(records []sockindex.Record) error {
	log := logging.With("collector-direct")

	for start := 0; start < len(records); start += directChunkSize {
		end := start + directChunkSize
		if end > len(records) {
			end = len(records)
		}

		payload := d.encodeChunk(records[start:end])
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := d.Client.Flow(ctx, d.Device, payload)
		cancel()
		if err != nil {
			log.WithError(err).WithField("count", end-start).Warn("direct export chunk failed")
		}
	}
	return nil
}

func (d *Direct) encodeChunk(records []sockindex.Record) []byte {
	encoded := make([]encoder.Record, 0, len(records))
	for _, r := range records {
		encoded = append(encoded, encoder.Record{
			Flow: r.Flow,
			Src:  r.Src,
			Dst:  r.Dst,
			SRTT: r.SRTT,
			Node: d.Node,
		})
	}
	return d.Enc.Encode(encoded)
}

// SendProcessReport encodes and POSTs a process-report snapshot.
func (d *Direct) SendProcessReport(node string, procs []procindex.Process) error {
	payload := d.Enc.EncodeProcessReport(node, procs)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Client.Flow(ctx, d.Device, payload)
}

// Close is a no-op: the HTTP client owns no long-lived connection state
// this Destination needs to release.
func (d *Direct) Close() error { return nil }
