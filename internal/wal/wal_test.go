package wal

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

func newLog() *Log {
	return New(streambus.NewMemoryBus(), "wal:stream", 100, zerolog.Nop())
}

func TestLogPreWriteThenPostWriteLeavesNoIncomplete(t *testing.T) {
	ctx := context.Background()
	l := newLog()

	walID, err := l.LogPreWrite(ctx, "msg-1", "conv-1", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, walID)

	incomplete, err := l.ScanIncomplete(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, incomplete, 1)

	require.NoError(t, l.LogPostWrite(ctx, walID, "msg-1"))

	incomplete, err = l.ScanIncomplete(ctx, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestScanIncompleteFindsOrphanedPreWrite(t *testing.T) {
	ctx := context.Background()
	l := newLog()

	walID1, _ := l.LogPreWrite(ctx, "msg-1", "conv-1", "user-1")
	_, _ = l.LogPreWrite(ctx, "msg-2", "conv-1", "user-2")
	require.NoError(t, l.LogPostWrite(ctx, walID1, "msg-1"))

	incomplete, err := l.ScanIncomplete(ctx, 100, 0)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "msg-2", incomplete[0].MessageID)
}

func TestScanIncompleteSkipsEntriesYoungerThanMaxAge(t *testing.T) {
	ctx := context.Background()
	l := newLog()

	_, err := l.LogPreWrite(ctx, "msg-1", "conv-1", "user-1")
	require.NoError(t, err)

	incomplete, err := l.ScanIncomplete(ctx, 100, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, incomplete, "a fresh pre_write within the timeout window may still be in flight")

	incomplete, err = l.ScanIncomplete(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, incomplete, 1, "a maxAge of 0 disables the filter")
}

func TestTrim(t *testing.T) {
	ctx := context.Background()
	l := newLog()
	for i := 0; i < 5; i++ {
		_, _ = l.LogPreWrite(ctx, "msg", "conv", "user")
	}
	assert.NoError(t, l.Trim(ctx))
}
