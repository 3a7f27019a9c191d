// Package metrics registers the agent's operability collectors with
// prometheus/client_golang and serves them over HTTP — the ambient
// observability layer spec.md's Non-goals exclude GUI/rendering of flows
// for, not operator metrics. Only FlowsCaptured and BatchesDropped are
// updated (by the capture worker); SocketIndexSize, ProcessIndexSize,
// ExportLatency and AggregatorFlowKeys are registered but nothing sets
// them, so they stay at zero. Grounded on etalazz-vsa's
// internal/ratelimiter/core/metrics.go counter/gauge registration style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otus",
		Name:      "batches_dropped_total",
		Help:      "Flow batches dropped because a downstream channel was full.",
	}, []string{"stage"})

	SocketIndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otus",
		Name:      "socket_index_size",
		Help:      "Current number of entries in the socket index.",
	})

	ProcessIndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otus",
		Name:      "process_index_size",
		Help:      "Current number of entries in the process index.",
	})

	ExportLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "otus",
		Name:      "export_latency_seconds",
		Help:      "Latency of exporting a batch to the uplink or aggregator.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"destination"})

	FlowsCaptured = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otus",
		Name:      "flows_captured_total",
		Help:      "Flows emitted by capture workers, by interface.",
	}, []string{"iface"})

	AggregatorFlowKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otus",
		Name:      "aggregator_flow_keys",
		Help:      "Number of distinct flow keys held in the aggregator's live map.",
	})
)

func init() {
	prometheus.MustRegister(
		BatchesDropped,
		SocketIndexSize,
		ProcessIndexSize,
		ExportLatency,
		FlowsCaptured,
		AggregatorFlowKeys,
	)
}

// Serve starts a blocking HTTP server exposing /metrics on addr. Intended to
// be run in its own goroutine by the CLI layer.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
