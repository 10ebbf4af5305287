// Package fallback implements the FallbackStore: messages whose primary
// store save could not be completed even after retries, or that arrive
// while the primary-store breaker is open, are parked here so
// senders get an immediate acknowledgement while a worker keeps trying.
// Built on the same Redis hash-plus-sorted-set shape as internal/retry
// (payload in a hash, eligibility ordered by the fallback:active ZSET
// score), grounded on the flightctl Redis queue provider's
// failed_messages bookkeeping. Every Park also appends a replay entry to
// the fallback stream, and Drop removes it again, so the declared
// fallback-workers consumer group has real traffic to read instead of
// sitting permanently empty.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/streambus"
)

// activeSetKey is the fixed name for the parked-entry schedule, shared
// across every Store instance (unlike internal/retry's per-name ZSET,
// there is exactly one fallback:active set for the whole deployment).
const activeSetKey = "fallback:active"

// client is the Redis surface the store needs.
type client interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Store parks messages that could not reach the primary store.
type Store struct {
	rdb        client
	bus        streambus.Bus
	stream     string
	maxLen     int64
	group      string
	dataKey    string
	counterKey string
	ttl        time.Duration
	log        zerolog.Logger
}

// New constructs a Store. name namespaces the Redis data/counter keys;
// the active schedule itself always lives under the fixed fallback:active
// key. The fallback-workers consumer group is created eagerly (idempotent)
// so the first DrainGroup call has something to read from.
func New(rdb client, bus streambus.Bus, stream string, maxLen int64, group string, name string, ttl time.Duration, log zerolog.Logger) *Store {
	s := &Store{
		rdb:        rdb,
		bus:        bus,
		stream:     stream,
		maxLen:     maxLen,
		group:      group,
		dataKey:    fmt.Sprintf("fallback:data:%s", name),
		counterKey: fmt.Sprintf("fallback:count:%s", name),
		ttl:        ttl,
		log:        log.With().Str("component", "fallback").Str("store", name).Logger(),
	}
	if bus != nil && stream != "" && group != "" {
		if err := bus.CreateGroup(context.Background(), stream, group, "0"); err != nil {
			s.log.Warn().Err(err).Msg("fallback-workers consumer group creation failed")
		}
	}
	return s
}

// Park records msg as fallen back, assigning it a FallbackID and
// returning the entry that should be surfaced to the caller in place of
// the (unavailable) primary-store id.
func (s *Store) Park(ctx context.Context, msg model.Message) (model.FallbackEntry, error) {
	entry := model.FallbackEntry{
		FallbackID:     fmt.Sprintf("fb_%d_%s", time.Now().UnixMilli(), uuid.NewString()),
		OriginalID:     "pending",
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		Status:         model.StatusPendingFallback,
		CreatedAt:      msg.CreatedAt,
		ParkedAt:       time.Now(),
	}
	if msg.ID != "" {
		entry.OriginalID = msg.ID
	}

	if s.bus != nil && s.stream != "" {
		id, err := s.bus.Append(ctx, s.stream, map[string]any{
			"fallbackId":     entry.FallbackID,
			"conversationId": entry.ConversationID,
			"senderId":       entry.SenderID,
			"originalId":     entry.OriginalID,
		}, s.maxLen)
		if err != nil {
			s.log.Warn().Err(err).Str("fallbackId", entry.FallbackID).Msg("fallback replay append failed")
		} else {
			entry.StreamEntryID = id
		}
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return model.FallbackEntry{}, fmt.Errorf("fallback: marshal entry: %w", err)
	}

	if err := s.rdb.HSet(ctx, s.dataKey, entry.FallbackID, string(payload)).Err(); err != nil {
		return model.FallbackEntry{}, fmt.Errorf("fallback: store entry: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, activeSetKey, redis.Z{
		Score:  float64(entry.ParkedAt.UnixMilli()),
		Member: entry.FallbackID,
	}).Err(); err != nil {
		return model.FallbackEntry{}, fmt.Errorf("fallback: schedule entry: %w", err)
	}
	if s.ttl > 0 {
		_ = s.rdb.Expire(ctx, s.dataKey, s.ttl).Err()
	}
	if err := s.rdb.Incr(ctx, s.counterKey).Err(); err != nil {
		s.log.Warn().Err(err).Msg("fallback counter increment failed")
	}

	return entry, nil
}

// Fetch returns the entries parked at or before olderThan (i.e. ready to
// be retried by the FallbackWorker), up to limit. Entries are left in
// place; callers must Drop on success.
func (s *Store) Fetch(ctx context.Context, olderThan time.Time, limit int64) ([]model.FallbackEntry, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, activeSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", olderThan.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fallback: query due: %w", err)
	}

	entries := make([]model.FallbackEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.HGet(ctx, s.dataKey, id).Result()
		if err != nil {
			s.log.Warn().Err(err).Str("fallbackId", id).Msg("fallback entry missing data, dropping")
			_ = s.rdb.ZRem(ctx, activeSetKey, id).Err()
			continue
		}
		var entry model.FallbackEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.log.Warn().Err(err).Str("fallbackId", id).Msg("fallback entry corrupt, dropping")
			_ = s.rdb.ZRem(ctx, activeSetKey, id).Err()
			_ = s.rdb.HDel(ctx, s.dataKey, id).Err()
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Drop removes a fallback entry once it has either been committed to the
// primary store or routed to the DLQ, deleting its replay entry from the
// fallback stream along with the hash/ZSET bookkeeping.
func (s *Store) Drop(ctx context.Context, fallbackID string) error {
	if s.bus != nil && s.stream != "" {
		if raw, err := s.rdb.HGet(ctx, s.dataKey, fallbackID).Result(); err == nil {
			var entry model.FallbackEntry
			if err := json.Unmarshal([]byte(raw), &entry); err == nil && entry.StreamEntryID != "" {
				if err := s.bus.Delete(ctx, s.stream, entry.StreamEntryID); err != nil {
					s.log.Warn().Err(err).Str("fallbackId", fallbackID).Msg("fallback replay delete failed")
				}
			}
		}
	}
	if err := s.rdb.ZRem(ctx, activeSetKey, fallbackID).Err(); err != nil {
		return fmt.Errorf("fallback: unschedule %s: %w", fallbackID, err)
	}
	if err := s.rdb.HDel(ctx, s.dataKey, fallbackID).Err(); err != nil {
		return fmt.Errorf("fallback: delete %s: %w", fallbackID, err)
	}
	return nil
}

// DrainGroup reads up to count pending entries for the fallback-workers
// consumer group and acknowledges each immediately, the same ack-before-
// processing contract as internal/retry.Scheduler.DrainGroup: the
// fallback:active ZSET is the actual source of truth for what still needs
// retrying, the stream exists so the declared group has real traffic.
func (s *Store) DrainGroup(ctx context.Context, consumer string, count int64) ([]streambus.Entry, error) {
	if s.bus == nil || s.stream == "" || s.group == "" {
		return nil, nil
	}
	entries, err := s.bus.ReadGroup(ctx, s.stream, s.group, consumer, count, 0)
	if err != nil {
		return nil, fmt.Errorf("fallback: drain group: %w", err)
	}
	for _, e := range entries {
		if err := s.bus.Ack(ctx, s.stream, s.group, e.ID); err != nil {
			s.log.Warn().Err(err).Str("entryId", e.ID).Msg("fallback group ack failed")
		}
	}
	return entries, nil
}

// Count returns the number of messages currently parked.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.rdb.HLen(ctx, s.dataKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fallback: count: %w", err)
	}
	return n, nil
}

// Expired returns parked entries older than the store's TTL, which the
// FallbackWorker routes to the DLQ instead of retrying further.
func (s *Store) Expired(ctx context.Context, limit int64) ([]model.FallbackEntry, error) {
	if s.ttl <= 0 {
		return nil, nil
	}
	return s.Fetch(ctx, time.Now().Add(-s.ttl), limit)
}
