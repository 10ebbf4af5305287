package rooms

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]string{}, zsets: map[string]map[string]float64{}}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = map[string]string{}
	}
	for i := 0; i+1 < len(values); i += 2 {
		f.hashes[key][fmt.Sprintf("%v", values[i])] = fmt.Sprintf("%v", values[i+1])
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if h, ok := f.hashes[key]; ok {
		if v, ok2 := h[field]; ok2 {
			cmd.SetVal(v)
			return cmd
		}
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewMapStringStringCmd(ctx)
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	if h, ok := f.hashes[key]; ok {
		for _, field := range fields {
			if _, exists := h[field]; exists {
				delete(h, field)
				n++
			}
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = map[string]float64{}
	}
	var added int64
	for _, m := range members {
		member := m.Member.(string)
		if _, exists := f.zsets[key][member]; !exists {
			added++
		}
		f.zsets[key][member] = m.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(added)
	return cmd
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	min := parseBound(opt.Min, -math.MaxFloat64)
	max := parseBound(opt.Max, math.MaxFloat64)

	type scored struct {
		member string
		score  float64
	}
	var matches []scored
	for member, score := range f.zsets[key] {
		if score >= min && score <= max {
			matches = append(matches, scored{member, score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score < matches[j].score })
	if opt.Count > 0 && int64(len(matches)) > opt.Count {
		matches = matches[:opt.Count]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.member
	}
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func parseBound(s string, inf float64) float64 {
	if s == "-inf" || s == "+inf" {
		return inf
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return inf
	}
	return v
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, m := range members {
		member := fmt.Sprintf("%v", m)
		if _, exists := f.zsets[key][member]; exists {
			delete(f.zsets[key], member)
			removed++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(removed)
	return cmd
}

func TestCreateThenGet(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeRedis(), DefaultThresholds())

	room, err := r.Create(ctx, "room-1", []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, room.State)

	got, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Len(t, got.MemberIDs, 2)
}

func TestTouchRevivesIdleRoom(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeRedis(), DefaultThresholds())
	_, err := r.Create(ctx, "room-1", []string{"u1"})
	require.NoError(t, err)
	require.NoError(t, r.Archive(ctx, "room-1")) // force non-active baseline

	room, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	room.State = StateIdle
	require.NoError(t, r.save(ctx, room))

	require.NoError(t, r.Touch(ctx, "room-1"))
	got, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, int64(1), got.MessageCount)
}

func TestAddAndRemoveMember(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeRedis(), DefaultThresholds())
	_, err := r.Create(ctx, "room-1", []string{"u1"})
	require.NoError(t, err)

	require.NoError(t, r.AddMember(ctx, "room-1", "u2"))
	room, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, room.MemberIDs, 2)

	require.NoError(t, r.RemoveMember(ctx, "room-1", "u1"))
	room, err = r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, room.MemberIDs)
}

func TestSweepIdleTransitionsActiveToIdle(t *testing.T) {
	ctx := context.Background()
	thresholds := Thresholds{IdleAfter: time.Millisecond, ArchiveAfter: time.Hour, DeleteAfter: 24 * time.Hour}
	r := New(newFakeRedis(), thresholds)
	_, err := r.Create(ctx, "room-1", []string{"u1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	idled, archived, deleted, err := r.SweepIdle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, idled)
	assert.Equal(t, 0, archived)
	assert.Equal(t, 0, deleted)

	room, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, room.State)
}

func TestSweepIdleCascadesArchivedRoomToDeleted(t *testing.T) {
	ctx := context.Background()
	thresholds := Thresholds{IdleAfter: time.Millisecond, ArchiveAfter: time.Millisecond, DeleteAfter: 5 * time.Millisecond}
	r := New(newFakeRedis(), thresholds)
	_, err := r.Create(ctx, "room-1", []string{"u1"})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	idled, archived, deleted, err := r.SweepIdle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, idled)
	assert.Equal(t, 1, archived)
	assert.Equal(t, 0, deleted)

	time.Sleep(10 * time.Millisecond)
	idled, archived, deleted, err = r.SweepIdle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, idled)
	assert.Equal(t, 0, archived)
	assert.Equal(t, 1, deleted)

	room, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, room.State)
	assert.Empty(t, room.MemberIDs)
}

func TestEngagementScore(t *testing.T) {
	room := Room{MemberIDs: []string{"u1", "u2"}, MessageCount: 20, LastActivityAt: time.Now()}
	stats := RoomPresenceStats{OnlineMembers: 2, TotalMembers: 2, RecentMessages: 20, AdminMembers: 1}
	assert.Greater(t, room.EngagementScore(stats), 0.0)

	empty := Room{MessageCount: 5, LastActivityAt: time.Now()}
	assert.Equal(t, 0.0, empty.EngagementScore(RoomPresenceStats{}))
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, HealthHealthy, ClassifyHealth(80))
	assert.Equal(t, HealthModerate, ClassifyHealth(50))
	assert.Equal(t, HealthLow, ClassifyHealth(10))
	assert.Equal(t, HealthEmpty, ClassifyHealth(0))
}

func TestPresenceStatsCountsOnlineAndAdminMembers(t *testing.T) {
	r := New(newFakeRedis(), DefaultThresholds())
	room := Room{MemberIDs: []string{"u1", "u2", "u3"}, MessageCount: 3}

	online := map[string]bool{"u1": true, "u2": true}
	admin := map[string]bool{"u1": true}

	stats := r.PresenceStats(room, func(id string) bool { return online[id] }, func(id string) bool { return admin[id] })
	assert.Equal(t, 3, stats.TotalMembers)
	assert.Equal(t, 2, stats.OnlineMembers)
	assert.Equal(t, 1, stats.AdminMembers)
}

func TestDeleteRemovesFromActivityIndexButKeepsDocument(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeRedis(), DefaultThresholds())
	_, err := r.Create(ctx, "room-1", []string{"u1"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "room-1"))
	got, err := r.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, got.State)

	idled, archived, deleted, err := r.SweepIdle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, idled+archived+deleted)
}
