// Package workers implements the supervised WorkerPool: a set of
// independent, cooperatively-scheduled background jobs (retry drain,
// fallback sweep, WAL recovery, DLQ monitoring, memory/stream health,
// metrics reporting), each ticking on its own interval and each
// single-flight - a slow tick is skipped over rather than stacked.
// Built on the same ticker+select loop shape as this codebase's scheduler,
// generalized from one big scheduler into a pool of small named workers.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Worker is one background job the Pool supervises.
type Worker interface {
	Name() string
	Tick(ctx context.Context) error
}

// WorkerFunc adapts a plain function into a Worker.
type WorkerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewWorkerFunc builds a Worker from a name and a tick function, for
// workers simple enough not to need their own type.
func NewWorkerFunc(name string, fn func(ctx context.Context) error) WorkerFunc {
	return WorkerFunc{name: name, fn: fn}
}

func (w WorkerFunc) Name() string                  { return w.name }
func (w WorkerFunc) Tick(ctx context.Context) error { return w.fn(ctx) }

// entry pairs a Worker with its schedule and running state.
type entry struct {
	worker   Worker
	interval time.Duration
	running  atomic.Bool
}

// Pool runs a fixed set of Workers, each on its own ticker, until
// stopped.
type Pool struct {
	entries []*entry
	log     zerolog.Logger
	onError func(worker string, err error)

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an empty Pool. onError, if non-nil, is invoked whenever
// a worker's Tick returns an error (e.g. to increment a metrics
// counter); it must not block.
func New(log zerolog.Logger, onError func(worker string, err error)) *Pool {
	return &Pool{log: log.With().Str("component", "workerpool").Logger(), onError: onError}
}

// Register adds a worker to the pool with its own tick interval. Must be
// called before Start.
func (p *Pool) Register(w Worker, interval time.Duration) {
	p.entries = append(p.entries, &entry{worker: w, interval: interval})
}

// Start launches every registered worker on its own goroutine. It
// returns immediately; call Stop to shut the pool down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, e := range p.entries {
		p.wg.Add(1)
		go p.run(ctx, e)
	}
}

// Stop signals every worker to exit and waits for them to finish their
// current tick.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, e *entry) {
	defer p.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickOnce(ctx, e)
		}
	}
}

// tickOnce runs e.worker.Tick unless a previous tick is still in flight,
// in which case this tick is skipped rather than queued - a worker that
// takes longer than its interval should fall behind, not pile up.
func (p *Pool) tickOnce(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		p.log.Debug().Str("worker", e.worker.Name()).Msg("tick skipped, previous tick still running")
		return
	}
	defer e.running.Store(false)

	if err := e.worker.Tick(ctx); err != nil {
		p.log.Error().Err(err).Str("worker", e.worker.Name()).Msg("worker tick failed")
		if p.onError != nil {
			p.onError(e.worker.Name(), err)
		}
	}
}
