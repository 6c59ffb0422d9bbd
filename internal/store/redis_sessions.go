package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/huddle/internal/chat"
)

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	if o.ReadTimeout > 0 {
		opts.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout > 0 {
		opts.WriteTimeout = o.WriteTimeout
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RedisSessions keeps sessions in Redis. Each session is a hash that
// expires with the session; a sorted set scored by last activity drives
// PurgeInactive.
type RedisSessions struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisSessions returns a session store using keys under prefix.
func NewRedisSessions(rdb *redis.Client, prefix string) *RedisSessions {
	if prefix == "" {
		prefix = "huddle"
	}
	return &RedisSessions{
		rdb:    rdb,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisSessions) sessionKey(token string) string {
	return r.prefix + ":session:" + token
}

func (r *RedisSessions) activeKey() string {
	return r.prefix + ":sessions:active"
}

// CreateSession implements SessionBackend.
func (r *RedisSessions) CreateSession(ctx context.Context, s Session) error {
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActive.IsZero() {
		s.LastActive = s.CreatedAt
	}
	if !s.ExpiresAt.After(now) {
		return fmt.Errorf("session already expired at %s", s.ExpiresAt)
	}

	key := r.sessionKey(s.Token)
	created, err := r.rdb.HSetNX(ctx, key, "user_id", s.UserID).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created {
		return fmt.Errorf("session: %w", ErrConflict)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"username", s.Username,
			"room_id", s.RoomID,
			"created_at", s.CreatedAt.UnixNano(),
			"expires_at", s.ExpiresAt.UnixNano(),
		)
		pipe.PExpireAt(ctx, key, s.ExpiresAt)
		pipe.ZAdd(ctx, r.activeKey(), redis.Z{Score: float64(s.LastActive.Unix()), Member: s.Token})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// ValidateSession implements chat.SessionStore.
func (r *RedisSessions) ValidateSession(ctx context.Context, token string) (chat.Identity, error) {
	fields, err := r.rdb.HGetAll(ctx, r.sessionKey(token)).Result()
	if err != nil {
		return chat.Identity{}, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 || fields["user_id"] == "" {
		return chat.Identity{}, fmt.Errorf("session: %w", ErrNotFound)
	}

	now := r.now()
	if expires, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil && now.UnixNano() >= expires {
		_ = r.DeleteSession(ctx, token)
		return chat.Identity{}, ErrSessionExpired
	}

	if err := r.touch(ctx, token, now); err != nil {
		return chat.Identity{}, err
	}
	sess := Session{Token: token, UserID: fields["user_id"], Username: fields["username"], RoomID: fields["room_id"]}
	return sess.Identity(), nil
}

// BindRoom implements chat.SessionStore.
func (r *RedisSessions) BindRoom(ctx context.Context, token, roomID string) error {
	key := r.sessionKey(token)
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("bind room: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	if err := r.rdb.HSet(ctx, key, "room_id", roomID).Err(); err != nil {
		return fmt.Errorf("bind room: %w", err)
	}
	return r.touch(ctx, token, r.now())
}

// SessionRoom returns the room bound to token.
func (r *RedisSessions) SessionRoom(ctx context.Context, token string) (string, error) {
	roomID, err := r.rdb.HGet(ctx, r.sessionKey(token), "room_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load session room: %w", err)
	}
	return roomID, nil
}

// DeleteSession implements SessionBackend.
func (r *RedisSessions) DeleteSession(ctx context.Context, token string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(token))
		pipe.ZRem(ctx, r.activeKey(), token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeInactive implements SessionBackend. Expired hashes are dropped by
// Redis itself; their tokens leave the activity set once they go idle.
func (r *RedisSessions) PurgeInactive(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := r.now().Add(-maxIdle).Unix()
	stale, err := r.rdb.ZRangeByScore(ctx, r.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list inactive sessions: %w", err)
	}

	var purged int64
	for _, token := range stale {
		if err := r.DeleteSession(ctx, token); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Close closes the Redis client.
func (r *RedisSessions) Close() error {
	return r.rdb.Close()
}

func (r *RedisSessions) touch(ctx context.Context, token string, at time.Time) error {
	if err := r.rdb.ZAdd(ctx, r.activeKey(), redis.Z{Score: float64(at.Unix()), Member: token}).Err(); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
