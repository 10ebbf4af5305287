// Package presence implements the PresenceRegistry: who's online, on
// which socket, on which server. Unlike a single TTL'd key per user, the
// registry keeps a PresenceRecord hash per user (socketId, serverId,
// connectedAt, lastActivity, matricule), an online_users set for O(1)
// membership/count queries, and a user_sockets reverse index so a
// disconnect event that only carries a socket id can still find the
// user it belongs to. A dedicated sweep (CleanupInactive, run by
// PresenceReporter) evicts entries whose lastActivity has gone stale
// past the inactivity window, since this registry has no
// keyspace-notification subscription wired up to react to TTL expiry
// directly.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a presence record survives without a heartbeat
// before it becomes eligible for CleanupInactive's sweep.
const DefaultTTL = 45 * time.Second

// InactiveAfter is how long a user's lastActivity can go stale before
// CleanupInactive evicts the record, independent of the Redis-level TTL.
const InactiveAfter = 60 * time.Minute

// PresenceRecord is one user's current connection state.
type PresenceRecord struct {
	UserID       string
	SocketID     string
	ServerID     string
	ConnectedAt  time.Time
	LastActivity time.Time
	Matricule    string
}

// client is the Redis surface the registry needs.
type client interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Registry tracks online users.
type Registry struct {
	rdb           client
	recordPrefix  string
	socketPrefix  string
	onlineSetKey  string
	ttl           time.Duration
	inactiveAfter time.Duration
}

// New constructs a Registry with the given heartbeat TTL.
func New(rdb client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		rdb:           rdb,
		recordPrefix:  "presence:user:",
		socketPrefix:  "presence:socket:",
		onlineSetKey:  "presence:online_users",
		ttl:           ttl,
		inactiveAfter: InactiveAfter,
	}
}

func (r *Registry) recordKey(userID string) string   { return r.recordPrefix + userID }
func (r *Registry) socketKey(socketID string) string { return r.socketPrefix + socketID }

// SetOnline records a new connection for userID: its PresenceRecord hash,
// membership in online_users, and the socket-to-user reverse index.
func (r *Registry) SetOnline(ctx context.Context, userID, socketID, serverID, matricule string) error {
	now := time.Now()
	key := r.recordKey(userID)
	if err := r.rdb.HSet(ctx, key,
		"socketId", socketID,
		"serverId", serverID,
		"connectedAt", now.Format(time.RFC3339),
		"lastActivity", now.Format(time.RFC3339),
		"matricule", matricule,
	).Err(); err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	if err := r.rdb.Expire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: expire record %s: %w", userID, err)
	}
	if err := r.rdb.SAdd(ctx, r.onlineSetKey, userID).Err(); err != nil {
		return fmt.Errorf("presence: index online %s: %w", userID, err)
	}
	if socketID != "" {
		if err := r.rdb.Set(ctx, r.socketKey(socketID), userID, r.ttl).Err(); err != nil {
			return fmt.Errorf("presence: index socket %s: %w", socketID, err)
		}
	}
	return nil
}

// Touch refreshes userID's lastActivity field and TTL without changing
// its connection metadata.
func (r *Registry) Touch(ctx context.Context, userID string) error {
	key := r.recordKey(userID)
	if err := r.rdb.HSet(ctx, key, "lastActivity", time.Now().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("presence: touch %s: %w", userID, err)
	}
	if err := r.rdb.Expire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: expire record %s: %w", userID, err)
	}
	return nil
}

// SetOffline removes userID's presence record, its online_users
// membership, and its socket reverse index, for clients that perform a
// clean disconnect instead of letting the TTL lapse.
func (r *Registry) SetOffline(ctx context.Context, userID string) error {
	fields, err := r.rdb.HGetAll(ctx, r.recordKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("presence: read record %s: %w", userID, err)
	}
	if socketID := fields["socketId"]; socketID != "" {
		_ = r.rdb.Del(ctx, r.socketKey(socketID)).Err()
	}
	if err := r.rdb.Del(ctx, r.recordKey(userID)).Err(); err != nil {
		return fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	if err := r.rdb.SRem(ctx, r.onlineSetKey, userID).Err(); err != nil {
		return fmt.Errorf("presence: unindex online %s: %w", userID, err)
	}
	return nil
}

// SetOfflineBySocket resolves socketID to its owning user via the reverse
// index and calls SetOffline on their behalf, for disconnect events that
// only carry the socket id.
func (r *Registry) SetOfflineBySocket(ctx context.Context, socketID string) (string, error) {
	userID, err := r.rdb.Get(ctx, r.socketKey(socketID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: resolve socket %s: %w", socketID, err)
	}
	return userID, r.SetOffline(ctx, userID)
}

// IsOnline reports whether userID is currently a member of online_users.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, r.onlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: check %s: %w", userID, err)
	}
	return ok, nil
}

// Record returns userID's current PresenceRecord. The zero value is
// returned, with no error, if the user has no live record.
func (r *Registry) Record(ctx context.Context, userID string) (PresenceRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, r.recordKey(userID)).Result()
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("presence: read record %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return PresenceRecord{}, nil
	}
	rec := PresenceRecord{
		UserID:    userID,
		SocketID:  fields["socketId"],
		ServerID:  fields["serverId"],
		Matricule: fields["matricule"],
	}
	rec.ConnectedAt, _ = time.Parse(time.RFC3339, fields["connectedAt"])
	rec.LastActivity, _ = time.Parse(time.RFC3339, fields["lastActivity"])
	return rec, nil
}

// OnlineCount returns the exact number of currently online users by
// reading online_users's cardinality, rather than scanning keyspace.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	n, err := r.rdb.SCard(ctx, r.onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: count: %w", err)
	}
	return n, nil
}

// CleanupInactive sweeps online_users for records whose lastActivity has
// gone stale past InactiveAfter and evicts them (record hash, socket
// reverse index, and online_users membership), returning the number
// evicted. This is the active substitute for a keyspace-notification
// listener: without one, a TTL lapsing on the record hash leaves a
// dangling online_users/user_sockets entry behind, so this sweep is what
// actually reconciles the two.
func (r *Registry) CleanupInactive(ctx context.Context) (int, error) {
	userIDs, err := r.rdb.SMembers(ctx, r.onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: cleanup scan: %w", err)
	}

	cutoff := time.Now().Add(-r.inactiveAfter)
	evicted := 0
	for _, userID := range userIDs {
		fields, err := r.rdb.HGetAll(ctx, r.recordKey(userID)).Result()
		if err != nil {
			return evicted, fmt.Errorf("presence: cleanup read %s: %w", userID, err)
		}
		stale := len(fields) == 0
		if !stale {
			lastActivity, err := time.Parse(time.RFC3339, fields["lastActivity"])
			stale = err != nil || lastActivity.Before(cutoff)
		}
		if !stale {
			continue
		}
		if err := r.SetOffline(ctx, userID); err != nil {
			return evicted, fmt.Errorf("presence: cleanup evict %s: %w", userID, err)
		}
		evicted++
	}
	return evicted, nil
}
