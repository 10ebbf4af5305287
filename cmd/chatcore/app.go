package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/breaker"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/cache"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/config"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/dlq"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/fallback"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/pipeline"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/presence"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/retry"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/rooms"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/router"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/store"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/wal"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/workers"
)

const primaryBreakerName = "primary-store"

// app bundles every wired component a subcommand might need. Not every
// command uses every field; serve and worker use the whole thing, health
// and resync use a subset.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	redis    *redis.Client
	bus      streambus.Bus
	walLog   *wal.Log
	breakers *breaker.Manager
	store    store.MessageStore
	convs    *store.MemoryStore
	pipeline *pipeline.Pipeline
	presence *presence.Registry
	rooms    *rooms.Registry
	cache    *cache.View
	metrics  *metrics.Registry
	pool     *workers.Pool
}

// buildApp wires every component from the given config. Callers are
// responsible for closing the returned app's Redis client.
func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	bus := streambus.New(rdb, logger)
	walLog := wal.New(bus, cfg.Streams.WAL.Name, cfg.Streams.WAL.MaxLen, logger)

	breakers := breaker.NewManager()
	primaryBreaker := breakers.GetOrCreate(breaker.Config{
		Name:             primaryBreakerName,
		FailureThreshold: uint32(cfg.Pipeline.BreakerFailureThreshold),
		ResetTimeout:     cfg.Pipeline.BreakerReset(),
	})

	retrySched := retry.New(rdb, bus, cfg.Streams.Retry.Name, cfg.Streams.Retry.MaxLen, cfg.Streams.Retry.Group, "primary", retry.DefaultConfig(cfg.Pipeline.RetryBase(), cfg.Pipeline.MaxRetries), logger)
	fallbackStore := fallback.New(rdb, bus, cfg.Streams.Fallback.Name, cfg.Streams.Fallback.MaxLen, cfg.Streams.Fallback.Group, "primary", model.FallbackTTL, logger)
	dlqSink := dlq.New(bus, cfg.Streams.DLQ.Name, cfg.Streams.DLQ.MaxLen, logger)
	r := router.New(cfg.Streams)

	metricsReg := metrics.New()

	// The primary document store is an external collaborator this module
	// never implements; store.MemoryStore is a process-local stand-in so
	// the CLI has something to run against without a real database.
	primary := store.NewMemoryStore()

	pipe := pipeline.New(pipeline.Config{
		WAL:      walLog,
		Breaker:  primaryBreaker,
		Primary:  primary,
		Retry:    retrySched,
		Fallback: fallbackStore,
		DLQ:      dlqSink,
		Router:   r,
		Bus:      bus,
		Metrics:  metricsReg,
		Log:      logger,
	})

	presenceReg := presence.New(rdb, presence.DefaultTTL)
	roomsReg := rooms.New(rdb, rooms.DefaultThresholds())
	cacheView := cache.New(rdb, cache.DefaultTTLs(),
		func(ctx context.Context, conversationID, _ string, limit int) ([]model.Message, error) {
			return primary.ListMessages(ctx, conversationID, limit)
		},
		primary.CountUnread,
		metricsReg,
	)

	pool := workers.New(logger, func(worker string, err error) {
		metricsReg.WorkerTickErrors.WithLabelValues(worker).Inc()
	})
	pool.Register(workers.NewRetryWorker(pipe, retry.DefaultConfig(cfg.Pipeline.RetryBase(), cfg.Pipeline.MaxRetries), 10), time.Second)
	pool.Register(workers.NewFallbackWorker(pipe, 2*time.Second, 10), 2*time.Second)
	pool.Register(workers.NewWALRecoveryWorker(pipe, 500, cfg.Pipeline.WALTimeout()), 3*time.Second)
	pool.Register(workers.NewDLQMonitor(pipe, metricsReg, 100, logger), 5*time.Second)
	pool.Register(workers.NewMemoryMonitor(cfg.Pipeline.MemoryLimitMB, logger), 10*time.Second)
	pool.Register(workers.NewStreamMonitor(bus, streamNames(cfg.Streams), metricsReg), 5*time.Second)
	pool.Register(workers.NewMetricsReporter(breakers, metricsReg), 5*time.Second)
	pool.Register(workers.NewPresenceReporter(presenceReg, metricsReg), 5*time.Second)
	pool.Register(workers.NewRoomSweepWorker(roomsReg, metricsReg, 100, logger), 10*time.Second)

	return &app{
		cfg:      cfg,
		log:      logger,
		redis:    rdb,
		bus:      bus,
		walLog:   walLog,
		breakers: breakers,
		store:    primary,
		convs:    primary,
		pipeline: pipe,
		presence: presenceReg,
		rooms:    roomsReg,
		cache:    cacheView,
		metrics:  metricsReg,
		pool:     pool,
	}, nil
}

func (a *app) Close() error {
	return a.redis.Close()
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(level).With().Timestamp().Str("app", appName).Logger()
}

func streamNames(s config.StreamsConfig) []string {
	return []string{
		s.WAL.Name, s.Retry.Name, s.Fallback.Name, s.DLQ.Name,
		s.Default.Name, s.Private.Name, s.Group.Name, s.Typing.Name, s.Read.Name, s.System.Name,
	}
}

// pingRedis is a short, bounded connectivity check used by health and by
// serve's startup readiness log line.
func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
