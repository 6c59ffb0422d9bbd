// Package store persists users, rooms, chat history and sessions. SQLite is
// the system of record; sessions may instead live in Redis.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/huddle/internal/chat"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("already exists")
	// ErrSessionExpired is returned by ValidateSession for a session past its
	// expiry. The session is deleted.
	ErrSessionExpired = errors.New("session expired")
)

// User is a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Session is a login issued to a user.
type Session struct {
	Token      string
	UserID     string
	Username   string
	RoomID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastActive time.Time
}

// Identity returns the identity the session authenticates as.
func (s Session) Identity() chat.Identity {
	return chat.Identity{UserID: s.UserID, Username: s.Username}
}

// SessionBackend is implemented by every session store.
type SessionBackend interface {
	chat.SessionStore
	CreateSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, token string) error
	// SessionRoom returns the room the session last joined, or "".
	SessionRoom(ctx context.Context, token string) (string, error)
	// PurgeInactive removes sessions untouched for longer than maxIdle or
	// past their expiry and returns how many were removed.
	PurgeInactive(ctx context.Context, maxIdle time.Duration) (int64, error)
	Close() error
}

var (
	_ chat.MessageStore = (*SQLite)(nil)
	_ SessionBackend    = (*SQLite)(nil)
	_ SessionBackend    = (*RedisSessions)(nil)
)
