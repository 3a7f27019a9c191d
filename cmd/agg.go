package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/otus-agent/otus/internal/aggregator"
	"github.com/otus-agent/otus/internal/aggregator/kubewatch"
	"github.com/otus-agent/otus/internal/config"
	"github.com/otus-agent/otus/internal/errs"
	"github.com/otus-agent/otus/internal/kentikapi"
	"github.com/otus-agent/otus/internal/logging"
	"github.com/otus-agent/otus/internal/metrics"
)

var aggFlags struct {
	email      string
	token      string
	device     string
	plan       uint64
	region     string
	listen     string
	kubeListen string
	interval   time.Duration
	metaTTL    time.Duration
	kubeWatch  bool
	kubeconfig string
	metrics    string
}

// aggCmd is orig:src/agg.rs's role: receive forwarded Records from agents,
// window and enrich them with Kubernetes metadata, and export the combined
// aggregate (spec.md §4.8).
var aggCmd = &cobra.Command{
	Use:   "agg",
	Short: "Combine forwarded flow records and export the aggregate",
	RunE:  runAgg,
}

func init() {
	f := aggCmd.Flags()
	f.StringVar(&aggFlags.email, "email", "", "ingestion API account email (required)")
	f.StringVar(&aggFlags.token, "token", "", "ingestion API token (required)")
	f.StringVar(&aggFlags.device, "device", "", "device name to export as (required)")
	f.Uint64Var(&aggFlags.plan, "plan", 0, "plan id used when creating the device")
	f.StringVar(&aggFlags.region, "region", "US", "API region (US|EU|host prefix; localhost:PORT disables TLS)")
	f.StringVar(&aggFlags.listen, "addr", ":8765", "agent-facing TCP listen address")
	f.StringVar(&aggFlags.kubeListen, "augment", ":8766", "Kubernetes sidecar-facing TCP listen address")
	f.DurationVar(&aggFlags.interval, "interval", 15*time.Second, "export window")
	f.DurationVar(&aggFlags.metaTTL, "meta-ttl", 60*time.Second, "socket/process metadata retention across export windows")
	f.BoolVar(&aggFlags.kubeWatch, "kube-watch", false, "watch the Kubernetes API directly instead of listening for a sidecar feed")
	f.StringVar(&aggFlags.kubeconfig, "kubeconfig", "", "kubeconfig path for --kube-watch (default: in-cluster, falling back to ~/.kube/config)")
	f.StringVar(&aggFlags.metrics, "metrics-addr", "", "Prometheus /metrics listen address (empty disables it)")
}

func runAgg(cmd *cobra.Command, args []string) error {
	initLogging()
	log := logging.With("cmd-agg")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	email := stringOr(cmd, "email", aggFlags.email, cfg.Uplink.Email)
	token := stringOr(cmd, "token", aggFlags.token, cfg.Uplink.Token)
	deviceName := stringOr(cmd, "device", aggFlags.device, cfg.Uplink.Device)
	if email == "" || token == "" || deviceName == "" {
		return errs.New(errs.Config, "--email, --token and --device (or uplink.* in the config file) are required")
	}
	region := stringOr(cmd, "region", aggFlags.region, cfg.Uplink.Region)
	listen := stringOr(cmd, "addr", aggFlags.listen, cfg.Agg.Listen)
	kubeListen := stringOr(cmd, "augment", aggFlags.kubeListen, cfg.Agg.KubeListen)
	interval := durationOr(cmd, "interval", aggFlags.interval, cfg.Agg.ExportInterval)
	metaTTL := durationOr(cmd, "meta-ttl", aggFlags.metaTTL, cfg.Agg.MetaTTL)
	kubeWatch := aggFlags.kubeWatch || cfg.Agg.KubeWatch

	client := kentikapi.New(email, token, region)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plan := aggFlags.plan
	if !cmd.Flags().Changed("plan") && cfg.Uplink.Plan != 0 {
		plan = cfg.Uplink.Plan
	}
	var planID *uint64
	if plan != 0 {
		planID = &plan
	}
	device, err := client.GetOrCreateDevice(ctx, deviceName, planID)
	if err != nil {
		return err
	}

	kube := aggregator.NewKubeIndex()

	agg, err := aggregator.NewWithMetaTTL(listen, client, device, kube, interval, metaTTL)
	if err != nil {
		return err
	}

	if kubeWatch {
		watcher, err := kubewatch.New(aggFlags.kubeconfig, kube, 30*time.Second)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
	} else {
		go func() {
			if err := aggregator.ListenKube(ctx, kubeListen, kube); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("kube sidecar listener exited")
			}
		}()
	}

	if metricsAddr := stringOr(cmd, "metrics-addr", aggFlags.metrics, cfg.Metrics.Listen); metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				log.WithError(err).Error("metrics server exited")
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- agg.Run(ctx) }()

	log.WithField("addr", listen).Info("aggregator started")
	runWithSignals(cancel, nil, agg.Dump)
	log.Info("aggregator shutting down")

	select {
	case err := <-runDone:
		return err
	case <-time.After(4 * time.Second):
		return nil
	}
}
