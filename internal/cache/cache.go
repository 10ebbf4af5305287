// Package cache implements the CachedMessageView: a read-through cache in
// front of the primary message store, plus unread-counter bookkeeping.
// The pipeline does not call into this package: invalidation and unread
// increments happen only when a caller invokes Invalidate or
// IncrementUnread. Same dual
// memory/Redis cache interface used elsewhere in this codebase,
// specialized to messages and conversations instead of market data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

// Tier names the TTL bucket a cached value belongs to.
type Tier string

const (
	TierDefault Tier = "default" // first page of a conversation
	TierShort   Tier = "short"   // subsequent pages and cursor pages
	TierQuick   Tier = "quick"   // last-N preload
)

// TTLs controls how long each tier's entries live.
type TTLs struct {
	Default time.Duration
	Short   time.Duration
	Quick   time.Duration
}

// DefaultTTLs: 3600s default (first page), 300s short (subsequent/cursor
// pages), 60s quick (last-N preload).
func DefaultTTLs() TTLs {
	return TTLs{Default: 3600 * time.Second, Short: 300 * time.Second, Quick: 60 * time.Second}
}

// client is the Redis surface the view needs.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
}

// MessageFetcher loads a page of messages from the primary store on a
// cache miss. cursor is empty for the first page.
type MessageFetcher func(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, error)

// UnreadFetcher loads the authoritative unread count from the primary
// store on a cache miss.
type UnreadFetcher func(ctx context.Context, userID, conversationID string) (int64, error)

// tierStats tracks cumulative hit/miss counts for one tier so the ratio
// gauge can be recomputed on every access.
type tierStats struct {
	hits   int64
	misses int64
}

// View is the read-through cache in front of a message lister.
type View struct {
	rdb         client
	ttls        TTLs
	fetch       MessageFetcher
	unreadFetch UnreadFetcher
	metrics     *metrics.Registry

	statsMu sync.Mutex
	stats   map[Tier]*tierStats
}

// New constructs a View. fetch and unreadFetch are called on a cache miss
// to load from the primary store; View never imports store.MessageStore
// directly so tests can supply arbitrary loaders. m may be nil, in which
// case hit-ratio tracking is skipped.
func New(rdb client, ttls TTLs, fetch MessageFetcher, unreadFetch UnreadFetcher, m *metrics.Registry) *View {
	return &View{rdb: rdb, ttls: ttls, fetch: fetch, unreadFetch: unreadFetch, metrics: m, stats: make(map[Tier]*tierStats)}
}

func (v *View) recordAccess(tier Tier, hit bool) {
	if v.metrics == nil {
		return
	}
	v.statsMu.Lock()
	s, ok := v.stats[tier]
	if !ok {
		s = &tierStats{}
		v.stats[tier] = s
	}
	if hit {
		s.hits++
	} else {
		s.misses++
	}
	total := s.hits + s.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(s.hits) / float64(total)
	}
	v.statsMu.Unlock()
	v.metrics.CacheHitRatio.WithLabelValues(string(tier)).Set(ratio)
}

func pageToken(cursor string) string {
	if cursor == "" {
		return "first"
	}
	return "cursor:" + cursor
}

func messagesKey(conversationID, cursor string, limit int) string {
	return fmt.Sprintf("msgs:%s:%s:%d", conversationID, pageToken(cursor), limit)
}

func quickKey(conversationID string) string {
	return fmt.Sprintf("msgs:quick:%s", conversationID)
}

func lastMessagesKey(conversationID string) string {
	return fmt.Sprintf("last_messages:%s", conversationID)
}

func pageIndexKey(conversationID string) string {
	return fmt.Sprintf("msgs:index:%s", conversationID)
}

func unreadKey(userID, conversationID string) string {
	return fmt.Sprintf("cache:unread:%s:%s", userID, conversationID)
}

// Page returns up to limit messages of a conversation starting at cursor
// (empty cursor means the first page), serving from cache when present
// and falling back to fetch (and repopulating the cache) on a miss. The
// first page uses the long-lived default tier; cursor pages use the
// short tier, since history further back is requested far less often but
// still worth keeping warm for a user paging back through scrollback.
func (v *View) Page(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, error) {
	key := messagesKey(conversationID, cursor, limit)
	tier := TierShort
	ttl := v.ttls.Short
	if cursor == "" {
		tier = TierDefault
		ttl = v.ttls.Default
	}

	if msgs, ok := v.readCached(ctx, key, ttl, tier); ok {
		return msgs, nil
	}

	msgs, err := v.fetch(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", conversationID, err)
	}
	v.writeCached(ctx, conversationID, key, msgs, ttl)
	return msgs, nil
}

// Recent is Page with an empty cursor, the common case of loading a
// conversation's latest messages.
func (v *View) Recent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	return v.Page(ctx, conversationID, "", limit)
}

// Preload populates the quick tier and last_messages key with the most
// recent limit messages, meant to be called once after Invalidate so the
// next read doesn't have to go to the primary store at all.
func (v *View) Preload(ctx context.Context, conversationID string, limit int) error {
	msgs, err := v.fetch(ctx, conversationID, "", limit)
	if err != nil {
		return fmt.Errorf("cache: preload %s: %w", conversationID, err)
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("cache: preload encode %s: %w", conversationID, err)
	}
	if err := v.rdb.Set(ctx, quickKey(conversationID), string(payload), v.ttls.Quick).Err(); err != nil {
		return fmt.Errorf("cache: preload quick %s: %w", conversationID, err)
	}
	if err := v.rdb.Set(ctx, lastMessagesKey(conversationID), string(payload), v.ttls.Quick).Err(); err != nil {
		return fmt.Errorf("cache: preload last_messages %s: %w", conversationID, err)
	}
	return nil
}

func (v *View) readCached(ctx context.Context, key string, ttl time.Duration, tier Tier) ([]model.Message, bool) {
	raw, err := v.rdb.Get(ctx, key).Result()
	if err != nil {
		v.recordAccess(tier, false)
		return nil, false
	}
	var msgs []model.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		v.recordAccess(tier, false)
		return nil, false // corrupt cache entry: fall through to a real fetch
	}
	_ = v.rdb.Expire(ctx, key, ttl).Err() // sliding TTL: a hit renews the window
	v.recordAccess(tier, true)
	return msgs, true
}

func (v *View) writeCached(ctx context.Context, conversationID, key string, msgs []model.Message, ttl time.Duration) {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	if err := v.rdb.Set(ctx, key, string(payload), ttl).Err(); err != nil {
		return
	}
	_ = v.rdb.SAdd(ctx, pageIndexKey(conversationID), key).Err()
}

// Invalidate drops every cached page, the quick tier, and the
// last_messages entry for conversationID so the next read observes a
// newly saved message instead of a stale copy. Pipeline.Receive does not
// call it; after a save through the pipeline these entries stay cached
// until Invalidate is called or their TTL runs out. Only this conversation's message
// caches are touched; conversation-level caches owned by other
// components are left alone.
func (v *View) Invalidate(ctx context.Context, conversationID string) error {
	indexKey := pageIndexKey(conversationID)
	pageKeys, err := v.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("cache: invalidate %s: list pages: %w", conversationID, err)
	}

	toDelete := append(pageKeys, quickKey(conversationID), lastMessagesKey(conversationID))
	if len(toDelete) > 0 {
		if err := v.rdb.Del(ctx, toDelete...).Err(); err != nil {
			return fmt.Errorf("cache: invalidate %s: %w", conversationID, err)
		}
	}
	if len(pageKeys) > 0 {
		if err := v.rdb.SRem(ctx, indexKey, toAny(pageKeys)...).Err(); err != nil {
			return fmt.Errorf("cache: invalidate %s: clear index: %w", conversationID, err)
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// IncrementUnread bumps userID's unread counter for conversationID,
// resetting its TTL so the counter doesn't outlive the conversation
// activity that produced it.
func (v *View) IncrementUnread(ctx context.Context, userID, conversationID string) (int64, error) {
	key := unreadKey(userID, conversationID)
	n, err := v.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: increment unread %s/%s: %w", userID, conversationID, err)
	}
	_ = v.rdb.Set(ctx, key, n, model.UnreadCounterTTL).Err()
	return n, nil
}

// ClearUnread resets userID's unread counter for conversationID to zero,
// called when the user reads the conversation.
func (v *View) ClearUnread(ctx context.Context, userID, conversationID string) error {
	if err := v.rdb.Del(ctx, unreadKey(userID, conversationID)).Err(); err != nil {
		return fmt.Errorf("cache: clear unread %s/%s: %w", userID, conversationID, err)
	}
	return nil
}

// UnreadCount returns userID's current unread count for conversationID.
// On a cache miss it recomputes the authoritative count from the primary
// store via unreadFetch and writes it back, but only if non-zero, so a
// user with nothing unread doesn't pin a key that will just expire again.
func (v *View) UnreadCount(ctx context.Context, userID, conversationID string) (int64, error) {
	key := unreadKey(userID, conversationID)
	raw, err := v.rdb.Get(ctx, key).Result()
	if err == nil {
		var n int64
		if _, scanErr := fmt.Sscanf(raw, "%d", &n); scanErr == nil {
			return n, nil
		}
		// corrupt cache entry: fall through to a store recompute
	} else if err != redis.Nil {
		return 0, fmt.Errorf("cache: unread count %s/%s: %w", userID, conversationID, err)
	}

	if v.unreadFetch == nil {
		return 0, nil
	}
	n, err := v.unreadFetch(ctx, userID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("cache: unread count recompute %s/%s: %w", userID, conversationID, err)
	}
	if n != 0 {
		_ = v.rdb.Set(ctx, key, n, model.UnreadCounterTTL).Err()
	}
	return n, nil
}
