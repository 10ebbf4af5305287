// Package metrics exposes the messaging core's Prometheus instrumentation:
// one struct owning every Vec, registered once against a dedicated
// registry, served over promhttp.Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every metric the messaging core publishes.
type Registry struct {
	reg *prometheus.Registry

	MessagesWritten   *prometheus.CounterVec
	WriteDuration     *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	RetryAttempts     *prometheus.CounterVec
	FallbackDepth     prometheus.Gauge
	DLQDepth          prometheus.Gauge
	WALRecoveries     prometheus.Counter
	StreamBacklog     *prometheus.GaugeVec
	PresenceOnline    prometheus.Gauge
	RoomsActive       *prometheus.GaugeVec
	WorkerTickErrors  *prometheus.CounterVec
	CacheHitRatio     *prometheus.GaugeVec
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MessagesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "pipeline",
			Name:      "messages_written_total",
			Help:      "Messages that completed the write pipeline, by outcome.",
		}, []string{"outcome"}),
		WriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatcore",
			Subsystem: "pipeline",
			Name:      "write_duration_seconds",
			Help:      "End-to-end duration of the write pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open) by breaker name.",
		}, []string{"breaker"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retry attempts made, by result.",
		}, []string{"result"}),
		FallbackDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "fallback",
			Name:      "depth",
			Help:      "Messages currently parked in the fallback store.",
		}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "dlq",
			Name:      "depth",
			Help:      "Entries currently in the dead-letter queue.",
		}),
		WALRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "wal",
			Name:      "recoveries_total",
			Help:      "Incomplete write-ahead log entries found and recovered at startup.",
		}),
		StreamBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "streambus",
			Name:      "backlog",
			Help:      "Approximate stream length by stream name.",
		}, []string{"stream"}),
		PresenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Users currently marked online.",
		}),
		RoomsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "rooms",
			Name:      "count",
			Help:      "Rooms by lifecycle state.",
		}, []string{"state"}),
		WorkerTickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "workers",
			Name:      "tick_errors_total",
			Help:      "Errors encountered during a worker's tick, by worker name.",
		}, []string{"worker"}),
		CacheHitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "cache",
			Name:      "hit_ratio",
			Help:      "Rolling cache hit ratio by cache tier.",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		r.MessagesWritten,
		r.WriteDuration,
		r.BreakerState,
		r.RetryAttempts,
		r.FallbackDepth,
		r.DLQDepth,
		r.WALRecoveries,
		r.StreamBacklog,
		r.PresenceOnline,
		r.RoomsActive,
		r.WorkerTickErrors,
		r.CacheHitRatio,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveWrite records the outcome and duration of one pipeline write.
func (r *Registry) ObserveWrite(outcome string, d time.Duration) {
	r.MessagesWritten.WithLabelValues(outcome).Inc()
	r.WriteDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetBreakerState records a breaker's numeric state (0/1/2) by name.
func (r *Registry) SetBreakerState(name string, state float64) {
	r.BreakerState.WithLabelValues(name).Set(state)
}
