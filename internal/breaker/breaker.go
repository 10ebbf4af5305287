// Package breaker wraps sony/gobreaker to give the pipeline's primary
// store calls a three-state gate: CLOSED passes through, OPEN fails fast
// (optionally invoking a fallback), HALF_OPEN allows a single probe.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute when the breaker is OPEN and no fallback
// was supplied. When a fallback is supplied, its own result and error are
// returned instead.
var ErrOpen = gobreaker.ErrOpenState

// State is CLOSED/OPEN/HALF_OPEN, aliased directly from gobreaker.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// DefaultConfig returns the standard defaults for the named breaker.
func DefaultConfig(name string) Config {
	return Config{Name: name, FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breaker gates a fallible operation with a pluggable fallback closure.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

// New constructs a Breaker. The consecutive-failure counter resets to
// zero only on an observed success.
func New(cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single probe while HALF_OPEN
		Interval:    0, // never reset counts while CLOSED on a timer; only failures matter
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), name: cfg.Name}
}

// Execute runs op through the breaker. If the breaker is OPEN (or op
// fails) and fallback is non-nil, fallback's result is returned instead;
// fallback itself is never counted against the breaker's own state.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) (any, error), fallback func(ctx context.Context, cause error) (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return op(ctx)
	})
	if err == nil {
		return result, nil
	}

	if fallback != nil {
		return fallback(ctx, err)
	}
	return nil, err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Counts returns the breaker's running counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// IsHealthy reports CLOSED with either no traffic yet or a success rate
// >= 90%, matching internal/net/circuit.Stats.IsHealthy.
func (b *Breaker) IsHealthy() bool {
	if b.State() != StateClosed {
		return false
	}
	c := b.Counts()
	if c.Requests == 0 {
		return true
	}
	return float64(c.TotalSuccesses)/float64(c.Requests) >= 0.9
}

// Manager owns one Breaker per named dependency (e.g. per primary-store
// shard, or per downstream the pipeline fronts), mirroring
// internal/net/circuit.Manager.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the named breaker, creating it with cfg on first use.
func (m *Manager) GetOrCreate(cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[cfg.Name]; ok {
		return b
	}
	b := New(cfg)
	m.breakers[cfg.Name] = b
	return b
}

// Get returns the named breaker if it has been created.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Names returns every breaker name currently registered.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// UnhealthyNames returns the names of breakers that are not currently
// healthy.
func (m *Manager) UnhealthyNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, b := range m.breakers {
		if !b.IsHealthy() {
			names = append(names, name)
		}
	}
	return names
}

// IsOpenErr reports whether err was returned because the breaker was open.
func IsOpenErr(err error) bool {
	return errors.Is(err, ErrOpen)
}
