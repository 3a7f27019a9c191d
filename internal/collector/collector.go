// Package collector implements C7: the sink that receives capture-worker
// flow batches, runs them through the socket index, and forwards the
// resulting Records to whichever destination is configured. Grounded on
// original_source/src/collect/{sink.rs,collect.rs}'s Sink/Collect shape.
package collector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/otus-agent/otus/internal/capture"
	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/sockindex"
)

// Destination is the pluggable forwarding target a Collector reports
// through: direct HTTP export (Direct) or aggregator forwarding (Forward).
// Grounded on the registry-of-one-thing idiom the teacher uses for its
// plugin destinations (internal/plugin.Registry), narrowed here to the two
// concrete destinations spec.md §4.7 names instead of an open plugin set.
type Destination interface {
	Send(records []sockindex.Record) error
	SendProcessReport(node string, procs []procindex.Process) error
	Close() error
}

// Collector is the C7 sink: it owns the socket index, merges incoming
// batches into Records, and periodically emits a process-report snapshot.
type Collector struct {
	Node   string
	Socks  *sockindex.Sockets
	Procs  *procindex.Index
	Dest   Destination
	Report time.Duration // process-report interval; spec.md default 60s

	In <-chan capture.Batch
}

// Run drains In until ctx is cancelled or the channel closes, and drives
// the periodic process-report timer alongside it.
func (c *Collector) Run(ctx context.Context) {
	log := logging.With("collector")

	interval := c.Report
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-c.In:
			if !ok {
				return
			}
			c.handle(batch, log)
		case <-ticker.C:
			c.reportProcesses(log)
		}
	}
}

func (c *Collector) handle(batch capture.Batch, log *logrus.Entry) {
	flows := make([]flow.Flow, 0, len(batch.Flows))
	for _, f := range batch.Flows {
		flows = append(flows, *f)
	}

	records := c.Socks.Merge(flows)
	c.Socks.Compact()

	if err := c.Dest.Send(records); err != nil {
		log.WithError(err).WithField("iface", batch.Interface).Warn("failed to forward flow batch")
	}
}

func (c *Collector) reportProcesses(log *logrus.Entry) {
	var procs []procindex.Process
	if c.Procs != nil {
		procs = c.Procs.List()
	}
	if err := c.Dest.SendProcessReport(c.Node, procs); err != nil {
		log.WithError(err).Warn("failed to send process report")
	}
}
