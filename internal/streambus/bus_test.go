package streambus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToStringField(t *testing.T) {
	assert.Equal(t, "", ToStringField(nil))
	assert.Equal(t, "hello", ToStringField("hello"))
	assert.Equal(t, "hello", ToStringField([]byte("hello")))
	assert.Equal(t, "true", ToStringField(true))
	assert.Equal(t, "42", ToStringField(42))

	type payload struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	assert.JSONEq(t, `{"a":1,"b":"x"}`, ToStringField(payload{A: 1, B: "x"}))
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "hello", TruncateBytes("hello", 10))
	assert.Equal(t, "hel", TruncateBytes("hello", 3))

	// multi-byte rune sitting right on the boundary must not be split
	s := strings.Repeat("a", 4) + "€" // € is 3 bytes in UTF-8
	truncated := TruncateBytes(s, 6)
	assert.True(t, len(truncated) <= 6)
	for _, r := range truncated {
		assert.NotEqual(t, rune(0xFFFD), r)
	}
}

func TestMemoryBusAppendAndReadRange(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	_, err := bus.Append(ctx, "s1", map[string]any{"a": 1}, 0)
	require.NoError(t, err)
	_, err = bus.Append(ctx, "s1", map[string]any{"a": 2}, 0)
	require.NoError(t, err)

	entries, err := bus.ReadRange(ctx, "s1", "-", "+", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Fields["a"])
	assert.Equal(t, "2", entries[1].Fields["a"])
}

func TestMemoryBusAppendRespectsMaxLen(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	for i := 0; i < 5; i++ {
		_, err := bus.Append(ctx, "s1", map[string]any{"i": i}, 3)
		require.NoError(t, err)
	}

	n, err := bus.Length(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemoryBusReadGroupAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	require.NoError(t, bus.CreateGroup(ctx, "s1", "g1", "0"))

	_, _ = bus.Append(ctx, "s1", map[string]any{"i": 1}, 0)
	_, _ = bus.Append(ctx, "s1", map[string]any{"i": 2}, 0)

	batch1, err := bus.ReadGroup(ctx, "s1", "g1", "c1", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch1, 1)
	assert.Equal(t, "1", batch1[0].Fields["i"])

	batch2, err := bus.ReadGroup(ctx, "s1", "g1", "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch2, 1)
	assert.Equal(t, "2", batch2[0].Fields["i"])

	batch3, err := bus.ReadGroup(ctx, "s1", "g1", "c1", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch3)
}

func TestMemoryBusDelete(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	id, _ := bus.Append(ctx, "s1", map[string]any{"a": 1}, 0)

	require.NoError(t, bus.Delete(ctx, "s1", id))
	n, _ := bus.Length(ctx, "s1")
	assert.Equal(t, int64(0), n)
}

func TestMemoryBusCreateGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	require.NoError(t, bus.CreateGroup(ctx, "s1", "g1", "0"))
	require.NoError(t, bus.CreateGroup(ctx, "s1", "g1", "0"))
}
