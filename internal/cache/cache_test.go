package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/metrics"
	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	sets map[string]map[string]struct{}
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, sets: map[string]map[string]struct{}{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
		return cmd
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = fmt.Sprintf("%v", value)
	f.ttls[key] = expiration
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	if ok {
		f.ttls[key] = expiration
	}
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(ok)
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	fmt.Sscanf(f.data[key], "%d", &n)
	n++
	f.data[key] = fmt.Sprintf("%d", n)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	var added int64
	for _, m := range members {
		member := fmt.Sprintf("%v", m)
		if _, exists := f.sets[key][member]; !exists {
			f.sets[key][member] = struct{}{}
			added++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(added)
	return cmd
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range members {
		member := fmt.Sprintf("%v", m)
		if _, exists := f.sets[key][member]; exists {
			delete(f.sets[key], member)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func fixedFetch(calls *int) MessageFetcher {
	return func(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, error) {
		*calls++
		return []model.Message{{ID: fmt.Sprintf("m%d", *calls), ConversationID: conversationID, Content: "hi"}}, nil
	}
}

func TestRecentFetchesOnMissAndCaches(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	calls := 0
	v := New(rdb, DefaultTTLs(), fixedFetch(&calls), nil, nil)

	msgs, err := v.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, calls)

	msgs2, err := v.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	assert.Equal(t, 1, calls, "second call should be served from cache")
}

func TestPageUsesDefaultTierForFirstPageAndShortForCursor(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	calls := 0
	v := New(rdb, DefaultTTLs(), fixedFetch(&calls), nil, nil)

	_, err := v.Page(ctx, "c1", "", 10)
	require.NoError(t, err)
	_, err = v.Page(ctx, "c1", "cur-1", 10)
	require.NoError(t, err)

	assert.Equal(t, v.ttls.Default, rdb.ttls[messagesKey("c1", "", 10)])
	assert.Equal(t, v.ttls.Short, rdb.ttls[messagesKey("c1", "cur-1", 10)])
}

func TestHitRenewsTTL(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	calls := 0
	v := New(rdb, DefaultTTLs(), fixedFetch(&calls), nil, nil)

	_, err := v.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	key := messagesKey("c1", "", 10)
	rdb.ttls[key] = 0 // simulate the key having nearly expired

	_, err = v.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, v.ttls.Default, rdb.ttls[key], "a cache hit should renew the sliding TTL")
}

func TestInvalidateForcesRefetchAndClearsQuickAndLastMessages(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	calls := 0
	v := New(rdb, DefaultTTLs(), fixedFetch(&calls), nil, nil)

	_, err := v.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	require.NoError(t, v.Preload(ctx, "c1", 5))
	require.NoError(t, v.Invalidate(ctx, "c1"))

	_, ok := rdb.data[quickKey("c1")]
	assert.False(t, ok)
	_, ok = rdb.data[lastMessagesKey("c1")]
	assert.False(t, ok)

	msgs, err := v.Recent(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("m%d", calls), msgs[0].ID)
	assert.Equal(t, 3, calls, "recent + preload + refetch after invalidate")
}

func TestUnreadCounterLifecycle(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	v := New(rdb, DefaultTTLs(), nil, nil, nil)

	n, err := v.UnreadCount(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = v.IncrementUnread(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = v.IncrementUnread(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, v.ClearUnread(ctx, "u1", "c1"))
	n, err = v.UnreadCount(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUnreadCountRecomputesFromStoreOnMiss(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	unreadFetchCalls := 0
	unreadFetch := func(ctx context.Context, userID, conversationID string) (int64, error) {
		unreadFetchCalls++
		return 4, nil
	}
	v := New(rdb, DefaultTTLs(), nil, unreadFetch, nil)

	n, err := v.UnreadCount(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 1, unreadFetchCalls)

	// written back, so a second read doesn't hit the store again
	n, err = v.UnreadCount(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 1, unreadFetchCalls)
}

func TestUnreadCountDoesNotWriteBackZero(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	unreadFetch := func(ctx context.Context, userID, conversationID string) (int64, error) {
		return 0, nil
	}
	v := New(rdb, DefaultTTLs(), nil, unreadFetch, nil)

	n, err := v.UnreadCount(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, ok := rdb.data[unreadKey("u1", "c1")]
	assert.False(t, ok, "a zero recompute should not pin a key that would just expire again")
}

func TestRecentPropagatesFetchError(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	fetch := func(ctx context.Context, conversationID, cursor string, limit int) ([]model.Message, error) {
		return nil, errors.New("primary store down")
	}
	v := New(rdb, DefaultTTLs(), fetch, nil, nil)

	_, err := v.Recent(ctx, "c1", 10)
	assert.Error(t, err)
}

func TestCacheHitRatioTracksHitsAndMissesPerTier(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	calls := 0
	reg := metrics.New()
	v := New(rdb, DefaultTTLs(), fixedFetch(&calls), nil, reg)

	_, err := v.Recent(ctx, "c1", 10) // miss
	require.NoError(t, err)
	ratio := testutil.ToFloat64(reg.CacheHitRatio.WithLabelValues(string(TierDefault)))
	assert.Equal(t, 0.0, ratio)

	_, err = v.Recent(ctx, "c1", 10) // hit
	require.NoError(t, err)
	ratio = testutil.ToFloat64(reg.CacheHitRatio.WithLabelValues(string(TierDefault)))
	assert.Equal(t, 0.5, ratio)
}
