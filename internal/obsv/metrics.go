// Package obsv holds conduit's ambient observability surface: Prometheus
// metrics and OTLP tracing, instrumenting the graph's buffers and filters.
package obsv

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conduit",
		Subsystem: "buffer",
		Name:      "depth",
		Help:      "Current occupied slots in a ring buffer.",
	}, []string{"filter", "port"})

	BufferCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conduit",
		Subsystem: "buffer",
		Name:      "capacity",
		Help:      "Ring buffer slot capacity.",
	}, []string{"filter", "port"})

	BufferDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "buffer",
		Name:      "dropped_batches_total",
		Help:      "Batches dropped by overflow policy.",
	}, []string{"filter", "port", "policy"})

	BufferBlockedSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "buffer",
		Name:      "blocked_seconds_total",
		Help:      "Cumulative time producers spent blocked on a full ring.",
	}, []string{"filter", "port"})

	FilterBatchesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "filter",
		Name:      "batches_processed_total",
		Help:      "Batches processed by a filter's worker.",
	}, []string{"filter"})

	FilterSamplesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "filter",
		Name:      "samples_processed_total",
		Help:      "Samples processed by a filter's worker.",
	}, []string{"filter"})

	FilterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conduit",
		Subsystem: "filter",
		Name:      "errors_total",
		Help:      "Worker errors recorded on a filter.",
	}, []string{"filter", "code"})

	FilterState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conduit",
		Subsystem: "filter",
		Name:      "state",
		Help:      "Filter lifecycle state (0=Created..5=Deinitialized).",
	}, []string{"filter"})

	GraphUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conduit",
		Subsystem: "graph",
		Name:      "uptime_seconds",
		Help:      "Seconds since the graph was started.",
	})
)

var (
	registry  *prometheus.Registry
	regOnce   sync.Once
	startTime time.Time
)

// Init registers every metric vector against a dedicated registry, avoiding
// collisions with the default global registerer.
func Init() {
	regOnce.Do(func() {
		startTime = time.Now()
		registry = prometheus.NewRegistry()
		// Go/process collectors are left to the default registry, which
		// internal/api gathers alongside this one; registering them here
		// too would duplicate those families on /metrics.
		registry.MustRegister(
			BufferDepth, BufferCapacity, BufferDropped, BufferBlockedSeconds,
			FilterBatchesProcessed, FilterSamplesProcessed, FilterErrors, FilterState,
			GraphUptime,
		)
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				GraphUptime.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

func Registry() *prometheus.Registry { return registry }
