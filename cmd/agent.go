package cmd

import (
	"context"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/otus-agent/otus/internal/capture"
	"github.com/otus-agent/otus/internal/collector"
	"github.com/otus-agent/otus/internal/config"
	"github.com/otus-agent/otus/internal/errs"
	"github.com/otus-agent/otus/internal/flow"
	"github.com/otus-agent/otus/internal/linkmon"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/metrics"
	"github.com/otus-agent/otus/internal/probe"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/shutdown"
	"github.com/otus-agent/otus/internal/sockindex"
)

var agentFlags struct {
	node     string
	agg      string
	kernel   string
	interval time.Duration
	sample   string
	capture  string
	exclude  string
	bytecode string
	report   time.Duration
	metrics  string
}

// agentCmd is orig:src/agent.rs's role: capture, attribute, and forward
// Records to a separate aggregator over length-framed TCP (spec.md §4.7
// item 2) instead of exporting directly.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Capture traffic and forward flow records to an aggregator",
	RunE:  runAgent,
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentFlags.node, "node", "", "node name reported to the aggregator (default: hostname)")
	f.StringVar(&agentFlags.agg, "agg", "", "aggregator host:port (required)")
	f.StringVar(&agentFlags.kernel, "kernel", "", "kernel version string (accepted but not used: the probe loader sets no kernel version)")
	f.DurationVar(&agentFlags.interval, "interval", 10*time.Second, "capture export window")
	f.StringVar(&agentFlags.sample, "sample", "", "sampling rate \"1:N\"")
	f.StringVar(&agentFlags.capture, "capture", ".*", "interface allow-list regex")
	f.StringVar(&agentFlags.exclude, "exclude", "^$", "interface deny-list regex")
	f.StringVar(&agentFlags.bytecode, "bytecode", "", "path to kernel-probe BPF object")
	f.DurationVar(&agentFlags.report, "report-interval", 60*time.Second, "process-report interval")
	f.StringVar(&agentFlags.metrics, "metrics-addr", "", "Prometheus /metrics listen address (empty disables it)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	initLogging()
	log := logging.With("cmd-agent")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	node := stringOr(cmd, "node", agentFlags.node, cfg.Node.Name)

	capturePattern := stringOr(cmd, "capture", agentFlags.capture, cfg.Capture.Capture)
	excludePattern := stringOr(cmd, "exclude", agentFlags.exclude, cfg.Capture.Exclude)
	include, err := regexp.Compile(capturePattern)
	if err != nil {
		return err
	}
	exclude, err := regexp.Compile(excludePattern)
	if err != nil {
		return err
	}
	sample, err := flow.ParseSample(stringOr(cmd, "sample", agentFlags.sample, cfg.Capture.Sample))
	if err != nil {
		return err
	}

	capCfg := capture.Config{
		Include:    include,
		Exclude:    exclude,
		Interval:   durationOr(cmd, "interval", agentFlags.interval, cfg.Capture.Interval),
		SnapLen:    int32(cfg.Capture.SnapLen),
		BufferSize: cfg.Capture.BufferSize,
		Promisc:    cfg.Capture.Promisc,
		Sample:     sample,
	}

	bytecodePath := stringOr(cmd, "bytecode", agentFlags.bytecode, cfg.Probe.Bytecode)
	var bytecode []byte
	if bytecodePath != "" {
		bytecode, err = os.ReadFile(bytecodePath)
		if err != nil {
			return err
		}
	}

	done := shutdown.New()

	probeSrc, err := probe.Load(bytecode, done)
	if err != nil {
		return err
	}
	defer probeSrc.Close()

	procs := procindex.New()
	socks := sockindex.New()

	mon, err := linkmon.NewMonitor()
	if err != nil {
		return err
	}
	defer mon.Close()

	aggAddr := stringOr(cmd, "agg", agentFlags.agg, cfg.Aggregator.Addr)
	if aggAddr == "" {
		return errs.New(errs.Config, "--agg or aggregator.addr in the config file is required")
	}
	dest := collector.NewForward(aggAddr, node)
	defer dest.Close()

	batches := make(chan capture.Batch, 1000)
	mgr := &capture.Manager{Config: capCfg, Out: batches, Done: done}
	coll := &collector.Collector{
		Node:   node,
		Socks:  socks,
		Procs:  procs,
		Dest:   dest,
		Report: agentFlags.report,
		In:     batches,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go procs.Run(ctx)
	go pumpProbeEvents(ctx, probeSrc, procs, socks)
	go mgr.Run(ctx, mon)
	go coll.Run(ctx)

	if metricsAddr := stringOr(cmd, "metrics-addr", agentFlags.metrics, cfg.Metrics.Listen); metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				log.WithError(err).Error("metrics server exited")
			}
		}()
	}

	log.WithField("agg", aggAddr).Info("agent started")
	runWithSignals(cancel, done, nil)
	log.Info("agent shutting down")
	return nil
}

// pumpProbeEvents attributes each kernel-probe socket event to its owning
// process and folds it into the socket index, bridging C4's typed Event
// stream to C6 (spec.md §4.4 -> §4.6 data flow).
func pumpProbeEvents(ctx context.Context, src probe.Source, procs *procindex.Index, socks *sockindex.Sockets) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			proc := procs.Get(ev.PID)
			socks.Update(sockindex.Event{
				Kind:  sockindex.Kind(ev.Kind),
				Proto: ev.Proto,
				Src:   flow.Endpoint{Addr: ev.Src.IP, Port: uint16(ev.Src.Port)},
				Dst:   flow.Endpoint{Addr: ev.Dst.IP, Port: uint16(ev.Dst.Port)},
				Proc:  proc,
				SRTT:  ev.SRTT,
			})
		}
	}
}
