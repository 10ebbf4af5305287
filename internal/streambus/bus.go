// Package streambus implements the append-only typed stream abstraction
// the rest of the messaging core publishes to and consumes from. It wraps
// go-redis/v9's Streams API (XAdd/XRange/XReadGroup/XTrim/XGroupCreate),
// structured the way this codebase's dual memory/Redis cache layer is,
// and borrowing the flightctl Redis queue provider's use of consumer
// groups for at-least-once delivery.
package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrStreamUnavailable is returned when the backend cannot be reached;
// callers may retry.
var ErrStreamUnavailable = errors.New("streambus: stream unavailable")

// Entry is one record read back from a stream: its assigned id and its
// field map (values already coerced to string per ToStringField).
type Entry struct {
	ID     string
	Fields map[string]string
}

// Bus is the StreamBus contract.
type Bus interface {
	Append(ctx context.Context, stream string, fields map[string]any, maxLen int64) (string, error)
	ReadRange(ctx context.Context, stream, from, to string, limit int64) ([]Entry, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group, entryID string) error
	Delete(ctx context.Context, stream, entryID string) error
	Trim(ctx context.Context, stream string, maxLen int64) error
	Length(ctx context.Context, stream string) (int64, error)
	CreateGroup(ctx context.Context, stream, group, startID string) error
}

// RedisBus is the Redis-backed implementation of Bus.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (Close, connection pool sizing, etc).
func New(client *redis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, log: log.With().Str("component", "streambus").Logger()}
}

// ToStringField implements the bus's single field-coercion contract:
// nil -> "", objects -> JSON, everything else -> its string form. Applying
// this uniformly at the boundary avoids an if-cascade of dynamic-type
// checks at every call site.
func ToStringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func coerceFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = ToStringField(v)
	}
	return out
}

// Append writes fields to stream and issues a best-effort trim to maxLen.
// Trim failures are logged and swallowed.
func (b *RedisBus) Append(ctx context.Context, stream string, fields map[string]any, maxLen int64) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: coerceFields(fields),
	}).Result()
	if err != nil {
		return "", errWrap(err)
	}

	if maxLen > 0 {
		if err := b.Trim(ctx, stream, maxLen); err != nil {
			b.log.Warn().Err(err).Str("stream", stream).Msg("trim failed, continuing")
		}
	}

	return id, nil
}

// ReadRange reads entries in [from, to] (Redis range syntax, "-"/"+" for
// open ends), capped at limit.
func (b *RedisBus) ReadRange(ctx context.Context, stream, from, to string, limit int64) ([]Entry, error) {
	msgs, err := b.client.XRangeN(ctx, stream, from, to, limit).Result()
	if err != nil {
		return nil, errWrap(err)
	}
	return toEntries(msgs), nil
}

// ReadGroup reads up to count new entries for (group, consumer), blocking
// at most block (0 = non-blocking). The consumer group is expected to
// already exist; callers should CreateGroup once at startup.
func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errWrap(err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toEntries(res[0].Messages), nil
}

// Ack acknowledges an entry for a consumer group, used before Delete so the
// pending-entries list does not leak (flightctl redis_provider pattern).
func (b *RedisBus) Ack(ctx context.Context, stream, group, entryID string) error {
	if err := b.client.XAck(ctx, stream, group, entryID).Err(); err != nil {
		return errWrap(err)
	}
	return nil
}

// Delete removes an entry from the stream outright.
func (b *RedisBus) Delete(ctx context.Context, stream, entryID string) error {
	if err := b.client.XDel(ctx, stream, entryID).Err(); err != nil {
		return errWrap(err)
	}
	return nil
}

// Trim caps stream at approximately maxLen using Redis's "~" (approximate)
// trim semantics, which may overshoot in exchange for cheaper appends.
func (b *RedisBus) Trim(ctx context.Context, stream string, maxLen int64) error {
	if err := b.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return errWrap(err)
	}
	return nil
}

// Length returns the current approximate stream length.
func (b *RedisBus) Length(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, errWrap(err)
	}
	return n, nil
}

// CreateGroup creates a consumer group, creating the stream itself if
// missing. An "already exists" error is treated as success so callers can
// invoke it unconditionally on every startup.
func (b *RedisBus) CreateGroup(ctx context.Context, stream, group, startID string) error {
	if startID == "" {
		startID = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errWrap(err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = ToStringField(v)
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries
}

func errWrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrStreamUnavailable, err)
}

// MemoryBus is an in-process Bus backed by plain slices, used by tests and
// by any caller that wants the Bus contract without a Redis dependency.
// Same pattern as this codebase's cache layer: one interface, one
// implementation talking to Redis, one keeping everything in memory.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string][]Entry
	groups  map[string]map[string]int64 // stream -> group -> next unread index
	seq     int64
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string][]Entry),
		groups:  make(map[string]map[string]int64),
	}
}

func (m *MemoryBus) Append(_ context.Context, stream string, fields map[string]any, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = ToStringField(v)
	}
	m.streams[stream] = append(m.streams[stream], Entry{ID: id, Fields: strFields})

	if maxLen > 0 && int64(len(m.streams[stream])) > maxLen {
		overflow := int64(len(m.streams[stream])) - maxLen
		m.streams[stream] = m.streams[stream][overflow:]
	}
	return id, nil
}

func (m *MemoryBus) ReadRange(_ context.Context, stream, from, to string, limit int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[stream]
	if from != "-" || to != "+" {
		// Only the full-range scan is needed by current callers; narrow
		// ranges would require parsing Redis's "<ms>-<seq>" id syntax.
		return nil, errors.New("streambus: memorybus only supports full-range reads")
	}
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryBus) ReadGroup(_ context.Context, stream, group, _ string, count int64, _ time.Duration) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groups[stream] == nil {
		return nil, fmt.Errorf("streambus: unknown group %q on stream %q", group, stream)
	}
	next := m.groups[stream][group]
	entries := m.streams[stream]
	if next >= int64(len(entries)) {
		return nil, nil
	}
	end := next + count
	if count <= 0 || end > int64(len(entries)) {
		end = int64(len(entries))
	}
	out := make([]Entry, end-next)
	copy(out, entries[next:end])
	m.groups[stream][group] = end
	return out, nil
}

func (m *MemoryBus) Ack(_ context.Context, _, _, _ string) error {
	return nil
}

func (m *MemoryBus) Delete(_ context.Context, stream, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[stream]
	for i, e := range entries {
		if e.ID == entryID {
			m.streams[stream] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryBus) Trim(_ context.Context, stream string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[stream]
	if maxLen > 0 && int64(len(entries)) > maxLen {
		m.streams[stream] = entries[int64(len(entries))-maxLen:]
	}
	return nil
}

func (m *MemoryBus) Length(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.streams[stream])), nil
}

func (m *MemoryBus) CreateGroup(_ context.Context, stream, group, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groups[stream] == nil {
		m.groups[stream] = make(map[string]int64)
	}
	if _, exists := m.groups[stream][group]; !exists {
		m.groups[stream][group] = 0
	}
	return nil
}

// TruncateBytes truncates s to at most n bytes without splitting a UTF-8
// sequence, used for the content and error-message size caps.
func TruncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := []byte(s)[:n]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}
