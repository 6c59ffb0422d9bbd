package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestRedisSessions(t *testing.T) *RedisSessions {
	t.Helper()
	url := os.Getenv("HUDDLE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HUDDLE_TEST_REDIS_URL not set")
	}
	rdb, err := NewRedisClient(context.Background(), RedisOptions{URL: url})
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	r := NewRedisSessions(rdb, "huddle-test-"+uuid.NewString())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, r.prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
		_ = r.Close()
	})
	return r
}

func TestRedisSessions(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisSessions(t)
	now := time.Now().UTC()

	sess := Session{Token: "tok", UserID: "7", Username: "alice", ExpiresAt: now.Add(time.Hour)}
	if err := r.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := r.CreateSession(ctx, sess); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for a reused token, got %v", err)
	}

	id, err := r.ValidateSession(ctx, "tok")
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	if id.UserID != "7" || id.Username != "alice" {
		t.Errorf("Unexpected identity %+v", id)
	}
	if _, err := r.ValidateSession(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := r.BindRoom(ctx, "tok", "lobby"); err != nil {
		t.Fatalf("BindRoom failed: %v", err)
	}
	if room, err := r.SessionRoom(ctx, "tok"); err != nil || room != "lobby" {
		t.Errorf("Expected lobby, got %q (%v)", room, err)
	}
	if err := r.BindRoom(ctx, "absent", "lobby"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := r.DeleteSession(ctx, "tok"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := r.ValidateSession(ctx, "tok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deleted session should not validate, got %v", err)
	}
}

func TestRedisPurgeInactive(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisSessions(t)
	now := time.Now().UTC()

	for _, sess := range []Session{
		{Token: "idle", UserID: "1", Username: "a", LastActive: now.Add(-25 * time.Hour)},
		{Token: "active", UserID: "2", Username: "b", LastActive: now.Add(-time.Minute)},
	} {
		sess.ExpiresAt = now.Add(time.Hour)
		if err := r.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	n, err := r.PurgeInactive(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeInactive failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged session, got %d", n)
	}
	if _, err := r.ValidateSession(ctx, "active"); err != nil {
		t.Errorf("Active session should survive: %v", err)
	}
	if _, err := r.ValidateSession(ctx, "idle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Idle session should be purged, got %v", err)
	}
}
