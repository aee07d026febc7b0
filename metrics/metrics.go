// Package metrics exposes the runtime's prometheus collectors. Collectors
// register on the default registry from package init; Serve publishes them
// when an endpoint address is configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Offloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vdnn",
		Name:      "offloads_total",
		Help:      "Activation buffers copied to pinned host memory.",
	})

	OffloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vdnn",
		Name:      "offload_bytes_total",
		Help:      "Bytes copied device to host for activation offload.",
	})

	Prefetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vdnn",
		Name:      "prefetches_total",
		Help:      "Activation buffers prefetched back to the device.",
	})

	PrefetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vdnn",
		Name:      "prefetch_bytes_total",
		Help:      "Bytes copied host to device for activation prefetch.",
	})

	PoolWaits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vdnn",
		Name:      "pool_waits",
		Help:      "Cumulative count of pool allocations that had to block.",
	})

	PoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vdnn",
		Name:      "pool_in_use_bytes",
		Help:      "Pool bytes currently allocated.",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vdnn",
		Name:      "step_duration_seconds",
		Help:      "Wall time of one training or inference step.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	StepLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vdnn",
		Name:      "step_loss",
		Help:      "Loss of the most recent training step.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve blocks, publishing /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
