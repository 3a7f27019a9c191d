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
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/linkmon"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/metrics"
	"github.com/otus-agent/otus/internal/probe"
	"github.com/otus-agent/otus/internal/procindex"
	"github.com/otus-agent/otus/internal/shutdown"
	"github.com/otus-agent/otus/internal/sockindex"
)

var probeFlags struct {
	node     string
	email    string
	token    string
	device   string
	plan     uint64
	region   string
	kernel   string
	interval time.Duration
	sample   string
	capture  string
	exclude  string
	bytecode string
	report   time.Duration
	metrics  string
}

// probeCmd is orig:src/probe.rs's role: a standalone, single-host agent
// that exports directly to the ingestion API with no separate aggregator
// (spec.md §4.7 item 1).
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Capture traffic and export flow records directly",
	RunE:  runProbe,
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeFlags.node, "node", "", "node name reported alongside records (default: hostname)")
	f.StringVar(&probeFlags.email, "email", "", "ingestion API account email (required)")
	f.StringVar(&probeFlags.token, "token", "", "ingestion API token (required)")
	f.StringVar(&probeFlags.device, "device", "", "device name to export as (required)")
	f.Uint64Var(&probeFlags.plan, "plan", 0, "plan id used when creating the device")
	f.StringVar(&probeFlags.region, "region", "US", "API region (US|EU|host prefix; localhost:PORT disables TLS)")
	f.StringVar(&probeFlags.kernel, "kernel", "", "kernel version string (accepted but not used: the probe loader sets no kernel version)")
	f.DurationVar(&probeFlags.interval, "interval", 10*time.Second, "capture export window")
	f.StringVar(&probeFlags.sample, "sample", "", "sampling rate \"1:N\"")
	f.StringVar(&probeFlags.capture, "capture", ".*", "interface allow-list regex")
	f.StringVar(&probeFlags.exclude, "exclude", "^$", "interface deny-list regex")
	f.StringVar(&probeFlags.bytecode, "bytecode", "", "path to kernel-probe BPF object")
	f.DurationVar(&probeFlags.report, "report-interval", 60*time.Second, "process-report interval")
	f.StringVar(&probeFlags.metrics, "metrics-addr", "", "Prometheus /metrics listen address (empty disables it)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	initLogging()
	log := logging.With("cmd-probe")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	node := stringOr(cmd, "node", probeFlags.node, cfg.Node.Name)
	email := stringOr(cmd, "email", probeFlags.email, cfg.Uplink.Email)
	token := stringOr(cmd, "token", probeFlags.token, cfg.Uplink.Token)
	deviceName := stringOr(cmd, "device", probeFlags.device, cfg.Uplink.Device)
	if email == "" || token == "" || deviceName == "" {
		return errs.New(errs.Config, "--email, --token and --device (or uplink.* in the config file) are required")
	}

	capturePattern := stringOr(cmd, "capture", probeFlags.capture, cfg.Capture.Capture)
	excludePattern := stringOr(cmd, "exclude", probeFlags.exclude, cfg.Capture.Exclude)
	include, err := regexp.Compile(capturePattern)
	if err != nil {
		return err
	}
	exclude, err := regexp.Compile(excludePattern)
	if err != nil {
		return err
	}
	sample, err := flow.ParseSample(stringOr(cmd, "sample", probeFlags.sample, cfg.Capture.Sample))
	if err != nil {
		return err
	}

	capCfg := capture.Config{
		Include:    include,
		Exclude:    exclude,
		Interval:   durationOr(cmd, "interval", probeFlags.interval, cfg.Capture.Interval),
		SnapLen:    int32(cfg.Capture.SnapLen),
		BufferSize: cfg.Capture.BufferSize,
		Promisc:    cfg.Capture.Promisc,
		Sample:     sample,
	}

	bytecodePath := stringOr(cmd, "bytecode", probeFlags.bytecode, cfg.Probe.Bytecode)
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

	region := stringOr(cmd, "region", probeFlags.region, cfg.Uplink.Region)
	client := kentikapi.New(email, token, region)

	plan := probeFlags.plan
	if !cmd.Flags().Changed("plan") && cfg.Uplink.Plan != 0 {
		plan = cfg.Uplink.Plan
	}
	var planID *uint64
	if plan != 0 {
		planID = &plan
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := client.GetOrCreateDevice(ctx, deviceName, planID)
	if err != nil {
		return err
	}

	dest, err := collector.NewDirect(client, device, node)
	if err != nil {
		return err
	}
	defer dest.Close()

	batches := make(chan capture.Batch, 1000)
	mgr := &capture.Manager{Config: capCfg, Out: batches, Done: done}
	coll := &collector.Collector{
		Node:   node,
		Socks:  socks,
		Procs:  procs,
		Dest:   dest,
		Report: probeFlags.report,
		In:     batches,
	}

	go procs.Run(ctx)
	go pumpProbeEvents(ctx, probeSrc, procs, socks)
	go mgr.Run(ctx, mon)
	go coll.Run(ctx)

	if metricsAddr := stringOr(cmd, "metrics-addr", probeFlags.metrics, cfg.Metrics.Listen); metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				log.WithError(err).Error("metrics server exited")
			}
		}()
	}

	log.WithField("device", device.Name).Info("probe started")
	runWithSignals(cancel, done, nil)
	log.Info("probe shutting down")
	return nil
}
