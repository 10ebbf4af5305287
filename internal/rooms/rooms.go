// Package rooms implements the RoomRegistry: room lifecycle
// (active -> idle -> archived -> deleted), membership tracking, and a
// weighted engagement score derived from presence, recency, and role
// mix. Uses the same Redis hash-plus-sorted-set shape as internal/retry
// and internal/fallback: room documents in a hash, lastActivity in a
// ZSET so idle/archive/delete sweeps are a cheap range query instead of
// a full scan.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is a room's lifecycle stage.
type State string

const (
	StateActive   State = "ACTIVE"
	StateIdle     State = "IDLE"
	StateArchived State = "ARCHIVED"
	StateDeleted  State = "DELETED"
)

// Thresholds controls the cumulative silence duration (time since
// LastActivityAt, not time since the previous transition) at which the
// registry advances a room to the next lifecycle stage.
type Thresholds struct {
	IdleAfter    time.Duration
	ArchiveAfter time.Duration
	DeleteAfter  time.Duration
}

// DefaultThresholds: idle after 1 hour of silence, archived after 2
// hours, deleted (with membership/metadata cleared) after 24 hours.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IdleAfter:    time.Hour,
		ArchiveAfter: 2 * time.Hour,
		DeleteAfter:  24 * time.Hour,
	}
}

// Room is one conversation's registry-tracked state.
type Room struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	MemberIDs      []string  `json:"memberIds"`
	MessageCount   int64     `json:"messageCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RoomPresenceStats is the presence context a caller assembles (typically
// from a presence.Registry) to score a room. Kept caller-supplied rather
// than fetched internally so this package has no dependency on
// internal/presence.
type RoomPresenceStats struct {
	OnlineMembers  int
	TotalMembers   int
	RecentMessages int
	AdminMembers   int
}

// Health is a room's coarse engagement classification, derived from its
// EngagementScore.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthModerate Health = "moderate"
	HealthLow      Health = "low"
	HealthEmpty    Health = "empty"
)

// EngagementScore weighs online ratio (40%), recency of last activity
// (25%), recent message volume (25%) and admin presence (10%) into a
// single 0-100 figure operators can sort rooms by.
func (r Room) EngagementScore(stats RoomPresenceStats) float64 {
	if stats.TotalMembers == 0 {
		return 0
	}

	onlineRatio := float64(stats.OnlineMembers) / float64(stats.TotalMembers)

	silence := time.Since(r.LastActivityAt)
	recencyScore := 1.0
	switch {
	case silence >= time.Hour:
		recencyScore = 0.2
	case silence >= 15*time.Minute:
		recencyScore = 0.6
	}

	activityScore := math.Min(float64(stats.RecentMessages)/10.0, 1.0)
	adminRatio := float64(stats.AdminMembers) / float64(stats.TotalMembers)

	score := 0.4*onlineRatio + 0.25*recencyScore + 0.25*activityScore + 0.1*adminRatio
	return math.Round(score * 100)
}

// ClassifyHealth buckets an EngagementScore into an operator-facing
// label.
func ClassifyHealth(score float64) Health {
	switch {
	case score >= 70:
		return HealthHealthy
	case score >= 40:
		return HealthModerate
	case score > 0:
		return HealthLow
	default:
		return HealthEmpty
	}
}

// PresenceStats assembles a room's RoomPresenceStats given a presence
// lookup and an admin-membership lookup, both supplied by the caller.
func (r *Registry) PresenceStats(room Room, isOnline func(userID string) bool, isAdmin func(userID string) bool) RoomPresenceStats {
	stats := RoomPresenceStats{TotalMembers: len(room.MemberIDs), RecentMessages: int(room.MessageCount)}
	for _, m := range room.MemberIDs {
		if isOnline != nil && isOnline(m) {
			stats.OnlineMembers++
		}
		if isAdmin != nil && isAdmin(m) {
			stats.AdminMembers++
		}
	}
	return stats
}

// client is the Redis surface the registry needs.
type client interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
}

// Registry tracks room lifecycle and membership.
type Registry struct {
	rdb         client
	dataKey     string
	activityKey string
	thresholds  Thresholds
}

// New constructs a Registry.
func New(rdb client, thresholds Thresholds) *Registry {
	return &Registry{rdb: rdb, dataKey: "rooms:data", activityKey: "rooms:activity", thresholds: thresholds}
}

// Create registers a new active room.
func (r *Registry) Create(ctx context.Context, id string, memberIDs []string) (Room, error) {
	now := time.Now()
	room := Room{ID: id, State: StateActive, MemberIDs: memberIDs, CreatedAt: now, LastActivityAt: now}
	if err := r.save(ctx, room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// Touch records activity on id, bumping its last-activity time and
// reviving it to ACTIVE if it had gone IDLE.
func (r *Registry) Touch(ctx context.Context, id string) error {
	room, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	room.LastActivityAt = time.Now()
	room.MessageCount++
	if room.State == StateIdle {
		room.State = StateActive
	}
	return r.save(ctx, room)
}

// Get loads a room by id.
func (r *Registry) Get(ctx context.Context, id string) (Room, error) {
	raw, err := r.rdb.HGet(ctx, r.dataKey, id).Result()
	if err != nil {
		return Room{}, fmt.Errorf("rooms: get %s: %w", id, err)
	}
	var room Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return Room{}, fmt.Errorf("rooms: decode %s: %w", id, err)
	}
	return room, nil
}

// AddMember adds userID to id's member list, a no-op if already present.
func (r *Registry) AddMember(ctx context.Context, id, userID string) error {
	room, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range room.MemberIDs {
		if m == userID {
			return nil
		}
	}
	room.MemberIDs = append(room.MemberIDs, userID)
	return r.save(ctx, room)
}

// RemoveMember removes userID from id's member list.
func (r *Registry) RemoveMember(ctx context.Context, id, userID string) error {
	room, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	out := room.MemberIDs[:0]
	for _, m := range room.MemberIDs {
		if m != userID {
			out = append(out, m)
		}
	}
	room.MemberIDs = out
	return r.save(ctx, room)
}

// Archive forces id straight to ARCHIVED, regardless of its current
// silence duration (used for explicit moderator/admin action).
func (r *Registry) Archive(ctx context.Context, id string) error {
	room, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	room.State = StateArchived
	return r.save(ctx, room)
}

// Delete marks id DELETED, clears its membership and drops it from the
// activity index; the document itself is kept (state DELETED, empty
// MemberIDs) so callers can still answer "what happened to this room"
// rather than getting a not-found.
func (r *Registry) Delete(ctx context.Context, id string) error {
	room, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.deleteRoom(ctx, room)
}

func (r *Registry) deleteRoom(ctx context.Context, room Room) error {
	room.State = StateDeleted
	room.MemberIDs = nil
	if err := r.rdb.ZRem(ctx, r.activityKey, room.ID).Err(); err != nil {
		return fmt.Errorf("rooms: unindex %s: %w", room.ID, err)
	}
	return r.save(ctx, room)
}

// SweepIdle advances rooms past each lifecycle threshold: ACTIVE -> IDLE
// past IdleAfter silence, IDLE (or ACTIVE, for rooms that skipped
// straight past the idle window) -> ARCHIVED past ArchiveAfter silence,
// and ARCHIVED -> DELETED (clearing membership) past DeleteAfter
// silence. Intended to run periodically from a worker tick.
func (r *Registry) SweepIdle(ctx context.Context, limit int64) (idled, archived, deleted int, err error) {
	now := time.Now()
	ids, err := r.rdb.ZRangeByScore(ctx, r.activityKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Add(-r.thresholds.IdleAfter).UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("rooms: sweep query: %w", err)
	}

	for _, id := range ids {
		room, getErr := r.Get(ctx, id)
		if getErr != nil {
			continue
		}
		if room.State == StateDeleted {
			continue
		}

		silence := now.Sub(room.LastActivityAt)

		if room.State == StateArchived {
			if silence < r.thresholds.DeleteAfter {
				continue
			}
			if saveErr := r.deleteRoom(ctx, room); saveErr != nil {
				return idled, archived, deleted, saveErr
			}
			deleted++
			continue
		}

		switch {
		case silence >= r.thresholds.ArchiveAfter:
			room.State = StateArchived
			archived++
		case room.State == StateActive:
			room.State = StateIdle
			idled++
		default:
			continue
		}
		if saveErr := r.save(ctx, room); saveErr != nil {
			return idled, archived, deleted, saveErr
		}
	}
	return idled, archived, deleted, nil
}

// CountByState returns the number of rooms currently in each lifecycle
// state, for periodic reporting to the rooms-active gauge.
func (r *Registry) CountByState(ctx context.Context) (map[State]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, r.dataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rooms: count by state: %w", err)
	}
	counts := map[State]int64{StateActive: 0, StateIdle: 0, StateArchived: 0, StateDeleted: 0}
	for _, v := range raw {
		var room Room
		if err := json.Unmarshal([]byte(v), &room); err != nil {
			continue
		}
		counts[room.State]++
	}
	return counts, nil
}

func (r *Registry) save(ctx context.Context, room Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("rooms: encode %s: %w", room.ID, err)
	}
	if err := r.rdb.HSet(ctx, r.dataKey, room.ID, string(payload)).Err(); err != nil {
		return fmt.Errorf("rooms: save %s: %w", room.ID, err)
	}
	if room.State != StateDeleted {
		if err := r.rdb.ZAdd(ctx, r.activityKey, redis.Z{
			Score:  float64(room.LastActivityAt.UnixMilli()),
			Member: room.ID,
		}).Err(); err != nil {
			return fmt.Errorf("rooms: index %s: %w", room.ID, err)
		}
	}
	return nil
}
