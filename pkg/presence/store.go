// Package presence tracks which users are reachable, as TTL-bound records in
// Redis. Each gateway node holding a live connection for a user keeps its
// own entry in the user's record; the user is online while any entry is
// unexpired. Entries decay on their own if nobody refreshes them, so a
// crashed gateway cannot leave users online forever, and one gateway going
// quiet never erases what another gateway still holds.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 300 * time.Second

	lastSeenTTL = 30 * 24 * time.Hour
	scanBatch   = 500
)

// Presence is the answer to "is this user reachable right now".
type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Marker identifies the gateway node that vouches for a user's connection.
type Marker struct {
	Node int64 `json:"node"`
}

func (m Marker) member() string {
	return strconv.FormatInt(m.Node, 10)
}

// Store is what the registry and the API need from the presence backend.
type Store interface {
	SetOnline(ctx context.Context, userID string, marker Marker, ttl time.Duration) error
	// SetOffline withdraws node's entry and reports whether the user is
	// still online through some other node.
	SetOffline(ctx context.Context, userID string, node int64) (bool, error)
	Heartbeat(ctx context.Context, userID string, node int64) (bool, error)
	GetUserPresence(ctx context.Context, userID string) (Presence, error)
	GetUsersPresence(ctx context.Context, userIDs []string) ([]Presence, error)
	GetOnlineUsers(ctx context.Context) ([]string, error)
	GetOnlineCount(ctx context.Context) (int, error)
}

// RedisStore keeps one sorted set per user under <prefix>:online:<userId>.
// Members are node ids scored with the entry's expiry in unix milliseconds;
// the key itself carries a TTL so an abandoned record disappears entirely.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "presence"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) onlineKey(userID string) string {
	return s.prefix + ":online:" + userID
}

func (s *RedisStore) lastSeenKey(userID string) string {
	return s.prefix + ":lastseen:" + userID
}

// expired matches every score at or before now.
func expired(now int64) string {
	return strconv.FormatInt(now, 10)
}

// live matches every score after now.
func live(now int64) string {
	return "(" + strconv.FormatInt(now, 10)
}

// SetOnline writes (or refreshes) the marker's entry. Repeated calls only
// move the expiry forward.
func (s *RedisStore) SetOnline(ctx context.Context, userID string, marker Marker, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now().UnixMilli()
	key := s.onlineKey(userID)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", expired(now))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now + ttl.Milliseconds()), Member: marker.member()})
	pipe.PExpire(ctx, key, ttl)
	pipe.Set(ctx, s.lastSeenKey(userID), now, lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s online: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) SetOffline(ctx context.Context, userID string, node int64) (bool, error) {
	now := s.now().UnixMilli()
	key := s.onlineKey(userID)

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, key, Marker{Node: node}.member())
	pipe.ZRemRangeByScore(ctx, key, "-inf", expired(now))
	remaining := pipe.ZCard(ctx, key)
	pipe.Set(ctx, s.lastSeenKey(userID), now, lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("set %s offline: %w", userID, err)
	}
	return remaining.Val() > 0, nil
}

// Heartbeat extends node's existing entry. It never creates one, so a late
// heartbeat cannot resurrect a user that has already gone offline. The
// boolean reports whether an entry was refreshed.
func (s *RedisStore) Heartbeat(ctx context.Context, userID string, node int64) (bool, error) {
	now := s.now().UnixMilli()
	key := s.onlineKey(userID)
	member := Marker{Node: node}.member()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", expired(now))
	pipe.ZAddXX(ctx, key, redis.Z{Score: float64(now + s.ttl.Milliseconds()), Member: member})
	score := pipe.ZScore(ctx, key, member)
	pipe.PExpire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("heartbeat %s: %w", userID, err)
	}
	if score.Err() != nil {
		return false, nil
	}
	if err := s.rdb.Set(ctx, s.lastSeenKey(userID), now, lastSeenTTL).Err(); err != nil {
		return true, fmt.Errorf("heartbeat %s: %w", userID, err)
	}
	return true, nil
}

// GetUserPresence reports online while any node's entry is unexpired.
func (s *RedisStore) GetUserPresence(ctx context.Context, userID string) (Presence, error) {
	list, err := s.GetUsersPresence(ctx, []string{userID})
	if err != nil {
		return Presence{UserID: userID}, err
	}
	return list[0], nil
}

func (s *RedisStore) GetUsersPresence(ctx context.Context, userIDs []string) ([]Presence, error) {
	if len(userIDs) == 0 {
		return []Presence{}, nil
	}
	now := s.now().UnixMilli()

	pipe := s.rdb.Pipeline()
	counts := make([]*redis.IntCmd, len(userIDs))
	seen := make([]*redis.StringCmd, len(userIDs))
	for i, id := range userIDs {
		counts[i] = pipe.ZCount(ctx, s.onlineKey(id), live(now), "+inf")
		seen[i] = pipe.Get(ctx, s.lastSeenKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}

	out := make([]Presence, len(userIDs))
	for i, id := range userIDs {
		if err := counts[i].Err(); err != nil {
			return nil, fmt.Errorf("get presence: %w", err)
		}
		p := Presence{UserID: id, Online: counts[i].Val() > 0}
		if ms, err := seen[i].Int64(); err == nil {
			ts := time.UnixMilli(ms).UTC()
			p.LastSeen = &ts
		}
		out[i] = p
	}
	return out, nil
}

// GetOnlineUsers enumerates records with SCAN, never KEYS, and keeps the
// users that still have an unexpired entry.
func (s *RedisStore) GetOnlineUsers(ctx context.Context) ([]string, error) {
	prefix := s.onlineKey("")
	users := make([]string, 0)
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan online users: %w", err)
		}
		if len(keys) > 0 {
			active, err := s.liveKeys(ctx, keys)
			if err != nil {
				return nil, err
			}
			for _, key := range active {
				users = append(users, strings.TrimPrefix(key, prefix))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dedupe(users), nil
}

func (s *RedisStore) liveKeys(ctx context.Context, keys []string) ([]string, error) {
	now := live(s.now().UnixMilli())
	pipe := s.rdb.Pipeline()
	counts := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		counts[i] = pipe.ZCount(ctx, key, now, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("scan online users: %w", err)
	}
	out := keys[:0]
	for i, key := range keys {
		if counts[i].Val() > 0 {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *RedisStore) GetOnlineCount(ctx context.Context) (int, error) {
	users, err := s.GetOnlineUsers(ctx)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Ping reports whether Redis is reachable, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SCAN may return a key more than once.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
