package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccessPassesThrough(t *testing.T) {
	b := New(DefaultConfig("t1"))
	result, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())
}

func TestExecuteTripsOpenAfterThreshold(t *testing.T) {
	cfg := DefaultConfig("t2")
	cfg.FailureThreshold = 2
	b := New(cfg)

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}

	_, err := b.Execute(context.Background(), failing, nil)
	assert.Error(t, err)
	assert.Equal(t, StateClosed, b.State())

	_, err = b.Execute(context.Background(), failing, nil)
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestExecuteFallbackInvokedWhenOpen(t *testing.T) {
	cfg := DefaultConfig("t3")
	cfg.FailureThreshold = 1
	b := New(cfg)

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}
	_, _ = b.Execute(context.Background(), failing, nil)
	require.Equal(t, StateOpen, b.State())

	called := false
	result, err := b.Execute(context.Background(), failing, func(ctx context.Context, cause error) (any, error) {
		called = true
		return "fallback-value", nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "fallback-value", result)
}

func TestIsHealthy(t *testing.T) {
	b := New(DefaultConfig("t4"))
	assert.True(t, b.IsHealthy(), "no traffic yet should be healthy")

	for i := 0; i < 10; i++ {
		_, _ = b.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		}, nil)
	}
	assert.True(t, b.IsHealthy())
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager()
	b1 := m.GetOrCreate(DefaultConfig("primary-store"))
	b2 := m.GetOrCreate(DefaultConfig("primary-store"))
	assert.Same(t, b1, b2)

	got, ok := m.Get("primary-store")
	assert.True(t, ok)
	assert.Same(t, b1, got)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestManagerUnhealthyNames(t *testing.T) {
	m := NewManager()
	cfg := DefaultConfig("flaky")
	cfg.FailureThreshold = 1
	b := m.GetOrCreate(cfg)
	_, _ = b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, nil)

	names := m.UnhealthyNames()
	assert.Contains(t, names, "flaky")
}

func TestIsOpenErr(t *testing.T) {
	cfg := DefaultConfig("t5")
	cfg.FailureThreshold = 1
	b := New(cfg)
	failing := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }
	_, _ = b.Execute(context.Background(), failing, nil)

	_, err := b.Execute(context.Background(), failing, nil)
	assert.True(t, IsOpenErr(err))
}
