// Package config handles global configuration loading using viper, mapping
// CLI flags, environment variables and an optional config file onto a single
// struct tree — adapted from the teacher's internal/config package (which
// held SBC/Kamailio role templates; this tree holds node/uplink/capture/
// probe fields instead).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Node identifies this agent (or aggregator) to the uplink.
type NodeConfig struct {
	Name string `mapstructure:"name"` // falls back to os.Hostname()
}

// UplinkConfig carries the credentials and addressing for the Kentik-style
// ingestion API (internal/kentikapi), treated as a black-box per spec.md §1.
type UplinkConfig struct {
	Email  string `mapstructure:"email"`
	Token  string `mapstructure:"token"`
	Device string `mapstructure:"device"`
	Plan   uint64 `mapstructure:"plan"`
	Region string `mapstructure:"region"`
}

// CaptureConfig mirrors orig:src/capture/config.rs Config.
type CaptureConfig struct {
	Capture    string        `mapstructure:"capture"` // regex, interface allow-list
	Exclude    string        `mapstructure:"exclude"` // regex, interface deny-list
	Interval   time.Duration `mapstructure:"interval"`
	BufferSize int           `mapstructure:"buffer_size"`
	SnapLen    int           `mapstructure:"snaplen"`
	Promisc    bool          `mapstructure:"promisc"`
	Sample     string        `mapstructure:"sample"` // "1:N" or empty
}

// ProbeConfig controls the kernel-probe loader (C4).
type ProbeConfig struct {
	Bytecode string `mapstructure:"bytecode"`
	Kernel   string `mapstructure:"kernel"` // read but unused: the probe loader sets no kernel version
}

// AggregatorConfig controls the agent's forwarding target when running in
// aggregator-forwarding mode (spec.md §4.7 item 2).
type AggregatorConfig struct {
	Addr string `mapstructure:"addr"`
}

// AggConfig controls the standalone aggregator role (C8).
type AggConfig struct {
	Listen         string        `mapstructure:"listen"`      // agent-facing TCP listener
	KubeListen     string        `mapstructure:"kube_listen"` // sidecar-facing TCP listener
	ExportInterval time.Duration `mapstructure:"export_interval"`
	MetaTTL        time.Duration `mapstructure:"meta_ttl"`
	KubeWatch      bool          `mapstructure:"kube_watch"` // use direct client-go watch instead of sidecar feed
}

// MetricsConfig controls the ambient Prometheus exporter.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// GlobalConfig is the top-level configuration tree.
type GlobalConfig struct {
	Node       NodeConfig       `mapstructure:"node"`
	Uplink     UplinkConfig     `mapstructure:"uplink"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Agg        AggConfig        `mapstructure:"agg"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// Default returns a GlobalConfig populated with the defaults described in
// spec.md (10MB capture buffer, 128B snaplen, promisc on, 60s socket/process
// TTL consumers elsewhere, 15s aggregator export tick).
func Default() *GlobalConfig {
	return &GlobalConfig{
		Capture: CaptureConfig{
			Capture:    ".*",
			Exclude:    "^$",
			Interval:   10 * time.Second,
			BufferSize: 10 * 1024 * 1024,
			SnapLen:    128,
			Promisc:    true,
		},
		Agg: AggConfig{
			Listen:         ":8765",
			KubeListen:     ":8766",
			ExportInterval: 15 * time.Second,
			MetaTTL:        60 * time.Second,
		},
	}
}

// Load reads configuration from path (if it exists) on top of Default()'s
// values. Environment variables (prefix OTUS_, nested keys joined with "_")
// override keys the file sets; a variable for a key the file does not set
// is not read.
func Load(path string) (*GlobalConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("OTUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Node.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve node name: %w", err)
		}
		cfg.Node.Name = host
	}

	return cfg, nil
}
