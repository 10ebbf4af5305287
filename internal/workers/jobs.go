package workers

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/breaker"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/pipeline"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/retry"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/rooms"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

// RetryWorker drains due retry entries and re-attempts their save, one
// entry at a time so a single poison entry can't block the batch.
type RetryWorker struct {
	pipe      *pipeline.Pipeline
	cfg       retry.Config
	batchSize int64
	consumer  string
}

// NewRetryWorker constructs a RetryWorker.
func NewRetryWorker(pipe *pipeline.Pipeline, cfg retry.Config, batchSize int64) *RetryWorker {
	return &RetryWorker{pipe: pipe, cfg: cfg, batchSize: batchSize, consumer: "retry-worker-1"}
}

func (w *RetryWorker) Name() string { return "retry_worker" }

func (w *RetryWorker) Tick(ctx context.Context) error {
	// Drain the retry-workers consumer group first: these are the audit
	// entries Scheduler.Enqueue appended to the retry stream, already
	// acknowledged here since the ZSET+hash pair (not the stream) is the
	// scheduler's actual delivery guarantee.
	if _, err := w.pipe.RetryScheduler().DrainGroup(ctx, w.consumer, w.batchSize); err != nil {
		return fmt.Errorf("retry worker: drain group: %w", err)
	}

	due, err := w.pipe.RetryScheduler().DueNow(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("retry worker: fetch due: %w", err)
	}
	for _, entry := range due {
		if err := w.pipe.RetryOne(ctx, entry, w.cfg); err != nil {
			return fmt.Errorf("retry worker: process %s: %w", entry.MessageID, err)
		}
	}
	return nil
}

// FallbackWorker periodically re-attempts parked fallback entries and
// dead-letters the ones that have outlived the fallback TTL.
type FallbackWorker struct {
	pipe      *pipeline.Pipeline
	retryAge  time.Duration
	batchSize int64
	consumer  string
}

// NewFallbackWorker constructs a FallbackWorker. retryAge is how long a
// parked entry must sit before this worker retries it again, so a
// persistently-down primary store isn't hammered every tick.
func NewFallbackWorker(pipe *pipeline.Pipeline, retryAge time.Duration, batchSize int64) *FallbackWorker {
	return &FallbackWorker{pipe: pipe, retryAge: retryAge, batchSize: batchSize, consumer: "fallback-worker-1"}
}

func (w *FallbackWorker) Name() string { return "fallback_worker" }

func (w *FallbackWorker) Tick(ctx context.Context) error {
	store := w.pipe.FallbackStore()

	if _, err := store.DrainGroup(ctx, w.consumer, w.batchSize); err != nil {
		return fmt.Errorf("fallback worker: drain group: %w", err)
	}

	expired, err := store.Expired(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("fallback worker: fetch expired: %w", err)
	}
	for _, entry := range expired {
		if err := w.pipe.ProcessFallbackOne(ctx, entry, true); err != nil {
			return fmt.Errorf("fallback worker: process expired %s: %w", entry.FallbackID, err)
		}
	}

	due, err := store.Fetch(ctx, time.Now().Add(-w.retryAge), w.batchSize)
	if err != nil {
		return fmt.Errorf("fallback worker: fetch due: %w", err)
	}
	for _, entry := range due {
		if err := w.pipe.ProcessFallbackOne(ctx, entry, false); err != nil {
			return fmt.Errorf("fallback worker: process %s: %w", entry.FallbackID, err)
		}
	}
	return nil
}

// WALRecoveryWorker scans the write-ahead log for pre_write entries with
// no matching post_write and hands each to Pipeline.RecoverWALEntry,
// which leaves it alone when the primary store holds the message and
// dead-letters it otherwise. Every tick scans the WAL stream from its
// start, up to limit entries. Entries younger than timeout are skipped:
// their save may simply still be in flight.
type WALRecoveryWorker struct {
	pipe    *pipeline.Pipeline
	limit   int64
	timeout time.Duration
}

// NewWALRecoveryWorker constructs a WALRecoveryWorker. timeout should
// match config.PipelineConfig.WALTimeout().
func NewWALRecoveryWorker(pipe *pipeline.Pipeline, limit int64, timeout time.Duration) *WALRecoveryWorker {
	return &WALRecoveryWorker{pipe: pipe, limit: limit, timeout: timeout}
}

func (w *WALRecoveryWorker) Name() string { return "wal_recovery_worker" }

func (w *WALRecoveryWorker) Tick(ctx context.Context) error {
	incomplete, err := w.pipe.WAL().ScanIncomplete(ctx, w.limit, w.timeout)
	if err != nil {
		return fmt.Errorf("wal recovery worker: scan: %w", err)
	}
	for _, inc := range incomplete {
		if err := w.pipe.RecoverWALEntry(ctx, inc); err != nil {
			return fmt.Errorf("wal recovery worker: recover %s: %w", inc.WALID, err)
		}
	}
	if err := w.pipe.WAL().Trim(ctx); err != nil {
		return fmt.Errorf("wal recovery worker: trim: %w", err)
	}
	return nil
}

// DLQMonitor reports dead-letter queue and fallback-store depth to the
// metrics registry and logs a warning when the DLQ backlog crosses a
// configured threshold.
type DLQMonitor struct {
	pipe      *pipeline.Pipeline
	metrics   *metrics.Registry
	threshold int64
	log       zerolog.Logger
}

// NewDLQMonitor constructs a DLQMonitor.
func NewDLQMonitor(pipe *pipeline.Pipeline, m *metrics.Registry, threshold int64, log zerolog.Logger) *DLQMonitor {
	return &DLQMonitor{pipe: pipe, metrics: m, threshold: threshold, log: log.With().Str("component", "dlq_monitor").Logger()}
}

func (w *DLQMonitor) Name() string { return "dlq_monitor" }

func (w *DLQMonitor) Tick(ctx context.Context) error {
	depth, err := w.pipe.DLQSink().Depth(ctx)
	if err != nil {
		return fmt.Errorf("dlq monitor: depth: %w", err)
	}
	if w.metrics != nil {
		w.metrics.DLQDepth.Set(float64(depth))
	}
	if w.threshold > 0 && depth >= w.threshold {
		w.log.Warn().Int64("depth", depth).Int64("threshold", w.threshold).Msg("dead-letter queue backlog above threshold")
	}

	fallbackDepth, err := w.pipe.FallbackStore().Count(ctx)
	if err != nil {
		return fmt.Errorf("dlq monitor: fallback depth: %w", err)
	}
	if w.metrics != nil {
		w.metrics.FallbackDepth.Set(float64(fallbackDepth))
	}
	return nil
}

// MemoryMonitor reports process heap usage and warns when it crosses a
// configured ceiling, a lightweight standalone substitute for attaching a
// full profiler to a long-running worker process.
type MemoryMonitor struct {
	limitMB int
	log     zerolog.Logger
}

// NewMemoryMonitor constructs a MemoryMonitor. limitMB is the heap size
// past which a warning is logged.
func NewMemoryMonitor(limitMB int, log zerolog.Logger) *MemoryMonitor {
	return &MemoryMonitor{limitMB: limitMB, log: log.With().Str("component", "memory_monitor").Logger()}
}

func (w *MemoryMonitor) Name() string { return "memory_monitor" }

func (w *MemoryMonitor) Tick(ctx context.Context) error {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	heapMB := int(stats.HeapAlloc / (1024 * 1024))
	if w.limitMB > 0 && heapMB >= w.limitMB {
		w.log.Warn().Int("heapMb", heapMB).Int("limitMb", w.limitMB).Msg("heap usage above configured limit")
	}
	return nil
}

// StreamMonitor reports the approximate backlog of a set of named
// streams so operators can see consumer lag building up.
type StreamMonitor struct {
	bus     streambus.Bus
	streams []string
	metrics *metrics.Registry
}

// NewStreamMonitor constructs a StreamMonitor over the given stream
// names.
func NewStreamMonitor(bus streambus.Bus, streams []string, m *metrics.Registry) *StreamMonitor {
	return &StreamMonitor{bus: bus, streams: streams, metrics: m}
}

func (w *StreamMonitor) Name() string { return "stream_monitor" }

func (w *StreamMonitor) Tick(ctx context.Context) error {
	for _, stream := range w.streams {
		n, err := w.bus.Length(ctx, stream)
		if err != nil {
			return fmt.Errorf("stream monitor: length %s: %w", stream, err)
		}
		if w.metrics != nil {
			w.metrics.StreamBacklog.WithLabelValues(stream).Set(float64(n))
		}
	}
	return nil
}

// MetricsReporter samples breaker state into the metrics registry on a
// schedule, since gobreaker exposes state only on demand rather than
// pushing changes.
type MetricsReporter struct {
	breakers *breaker.Manager
	metrics  *metrics.Registry
}

// NewMetricsReporter constructs a MetricsReporter.
func NewMetricsReporter(breakers *breaker.Manager, m *metrics.Registry) *MetricsReporter {
	return &MetricsReporter{breakers: breakers, metrics: m}
}

func (w *MetricsReporter) Name() string { return "metrics_reporter" }

func (w *MetricsReporter) Tick(ctx context.Context) error {
	for _, name := range w.breakers.Names() {
		if b, ok := w.breakers.Get(name); ok {
			w.metrics.SetBreakerState(name, stateValue(b.State()))
		}
	}
	return nil
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateClosed:
		return 0
	case breaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// PresenceReporter samples the online-user count into the metrics
// registry on a schedule, and evicts stale presence entries whose TTL
// expired without a clean SetOffline (dropped connections, crashed
// clients).
type PresenceReporter struct {
	presence *presence.Registry
	metrics  *metrics.Registry
}

// NewPresenceReporter constructs a PresenceReporter.
func NewPresenceReporter(p *presence.Registry, m *metrics.Registry) *PresenceReporter {
	return &PresenceReporter{presence: p, metrics: m}
}

func (w *PresenceReporter) Name() string { return "presence_reporter" }

func (w *PresenceReporter) Tick(ctx context.Context) error {
	if _, err := w.presence.CleanupInactive(ctx); err != nil {
		return fmt.Errorf("presence reporter: cleanup: %w", err)
	}
	count, err := w.presence.OnlineCount(ctx)
	if err != nil {
		return fmt.Errorf("presence reporter: count: %w", err)
	}
	w.metrics.PresenceOnline.Set(float64(count))
	return nil
}

// RoomSweepWorker advances room lifecycle state (active -> idle ->
// archived -> deleted) and reports the resulting per-state counts.
type RoomSweepWorker struct {
	rooms     *rooms.Registry
	metrics   *metrics.Registry
	batchSize int64
	log       zerolog.Logger
}

// NewRoomSweepWorker constructs a RoomSweepWorker.
func NewRoomSweepWorker(r *rooms.Registry, m *metrics.Registry, batchSize int64, log zerolog.Logger) *RoomSweepWorker {
	return &RoomSweepWorker{rooms: r, metrics: m, batchSize: batchSize, log: log}
}

func (w *RoomSweepWorker) Name() string { return "room_sweep_worker" }

func (w *RoomSweepWorker) Tick(ctx context.Context) error {
	idled, archived, deleted, err := w.rooms.SweepIdle(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("room sweep worker: sweep: %w", err)
	}
	if idled > 0 || archived > 0 || deleted > 0 {
		w.log.Info().Int("idled", idled).Int("archived", archived).Int("deleted", deleted).Msg("room lifecycle sweep")
	}

	counts, err := w.rooms.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("room sweep worker: count: %w", err)
	}
	for state, n := range counts {
		w.metrics.RoomsActive.WithLabelValues(string(state)).Set(float64(n))
	}
	return nil
}
