// Package capture implements C2, the per-interface packet pump: one pcap
// handle per accepted interface, windowed flow-key aggregation, and a
// try-send handoff to a bounded sink channel. Grounded on the teacher's
// internal/otus/module/capture/capture.go partition-goroutine loop (select
// on ctx.Done, tolerate read timeouts, log+continue on other errors).
package capture

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/otus-agent/otus/internal/errs"
	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/metrics"
	"github.com/otus-agent/otus/internal/shutdown"
)

// Batch is a single window's worth of flows from one interface.
type Batch struct {
	Interface string
	Flows     []*flow.Flow
}

// Worker owns one OS thread and one pcap handle for a single interface.
// Netns entry (when the interface's link carries a peer netns) happens
// before Open, on this same locked thread — see Run.
type Worker struct {
	Interface string
	Config    Config
	// EnterNetns, if set, is invoked once on the worker's locked OS thread
	// before opening the capture handle (C3 peer-netns traversal).
	EnterNetns func() error
	Out        chan<- Batch
	Done       *shutdown.Flag
}

// Run opens the capture handle and pumps packets until ctx is cancelled,
// the shutdown flag is set, or pcap reports end-of-stream. It locks the
// calling goroutine to its OS thread for the duration, per spec: netns
// changes and blocking pcap reads both require per-thread state.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := logging.With("capture").WithField("iface", w.Interface)

	if w.EnterNetns != nil {
		if err := w.EnterNetns(); err != nil {
			return errs.Wrap(errs.IO, err, "enter netns for %s", w.Interface)
		}
	}

	handle, err := pcap.OpenLive(w.Interface, w.Config.SnapLen, w.Config.Promisc, w.Config.Interval)
	if err != nil {
		return errs.Wrap(errs.IO, err, "open capture on %s", w.Interface)
	}
	defer handle.Close()

	if handle.LinkType() != layers.LinkTypeEthernet {
		log.Warnf("skipping %s: non-ethernet datalink %v", w.Interface, handle.LinkType())
		return nil
	}

	if err := applySample(handle, w.Config.Sample); err != nil {
		log.WithError(err).Warn("sampling unsupported on this platform, proceeding unsampled")
		w.Config.Sample = flow.NoSample
	}

	var ifaceMAC net.HardwareAddr
	if iface, err := net.InterfaceByName(w.Interface); err == nil {
		ifaceMAC = iface.HardwareAddr
	}

	window := make(map[string]*flow.Flow)
	lastExport := time.Now()

	for {
		if ctx.Err() != nil || w.Done.Done() {
			w.export(window, log)
			return nil
		}

		data, ci, err := handle.ReadPacketData()
		switch {
		case err == nil:
			w.ingest(ifaceMAC, ci, data, window)
			// A busy interface never hits the read timeout, so the window
			// is also exported once a full interval has passed.
			if time.Since(lastExport) >= w.Config.Interval {
				w.export(window, log)
				window = make(map[string]*flow.Flow)
				lastExport = time.Now()
			}
		case errors.Is(err, pcap.NextErrorTimeoutExpired) || strings.Contains(strings.ToLower(err.Error()), "timeout"):
			// Read timeout equals the window interval: every timeout is an
			// export tick (spec: "on timeout, run the export tick").
			w.export(window, log)
			window = make(map[string]*flow.Flow)
			lastExport = time.Now()
		case errors.Is(err, pcap.NextErrorNoMorePackets) || errors.Is(err, io.EOF):
			w.export(window, log)
			return nil
		default:
			log.WithError(err).Error("error reading packet")
		}

		select {
		case <-ctx.Done():
			w.export(window, log)
			return nil
		default:
		}
	}
}

func (w *Worker) ingest(ifaceMAC net.HardwareAddr, ci gopacket.CaptureInfo, data []byte, window map[string]*flow.Flow) {
	f, ok := flow.Decode(ifaceMAC, ci.Timestamp.UnixNano(), data, ci.Length)
	if !ok {
		return
	}
	f.Interface = w.Interface
	if !w.Config.Sample.None {
		f.Sample = w.Config.Sample.Rate
	}

	key := f.Key.MapKey()
	if existing, found := window[key]; found {
		existing.Merge(f)
	} else {
		window[key] = f
	}
}

func (w *Worker) export(window map[string]*flow.Flow, log *logrus.Entry) {
	if len(window) == 0 {
		return
	}
	batch := make([]*flow.Flow, 0, len(window))
	for _, f := range window {
		batch = append(batch, f)
	}
	metrics.FlowsCaptured.WithLabelValues(w.Interface).Add(float64(len(batch)))

	select {
	case w.Out <- Batch{Interface: w.Interface, Flows: batch}:
	default:
		metrics.BatchesDropped.WithLabelValues("capture").Inc()
		log.Warn("sink channel full, dropping batch")
	}
}
