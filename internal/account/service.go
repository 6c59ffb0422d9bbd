// Package account registers users and issues the opaque session tokens the
// realtime core authenticates with.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/store"
)

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInvalidUsername is returned for empty or oversized usernames.
	ErrInvalidUsername = errors.New("username must be 1 to 32 characters without spaces")
	// ErrWeakPassword is returned when a password is too short.
	ErrWeakPassword = errors.New("password must be at least 8 characters")
	// ErrPasswordTooLong is returned when a password exceeds bcrypt's 72-byte limit.
	ErrPasswordTooLong = errors.New("password must be at most 72 bytes")
)

const maxUsernameLength = 32

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (store.User, error)
	UserByUsername(ctx context.Context, username string) (store.User, error)
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s store.Session) error
	ValidateSession(ctx context.Context, token string) (chat.Identity, error)
	DeleteSession(ctx context.Context, token string) error
}

// Login is the result of a successful login.
type Login struct {
	SessionToken string    `json:"sessionToken"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Service implements registration, login and session lookup.
type Service struct {
	users    UserStore
	sessions SessionStore
	hasher   *PasswordHasher
	ttl      time.Duration
	log      *zap.Logger
	now      func() time.Time
	newToken func() string
}

// NewService returns a Service issuing sessions that live for ttl.
func NewService(users UserStore, sessions SessionStore, hasher *PasswordHasher, ttl time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		ttl:      ttl,
		log:      log.Named("account"),
		now:      func() time.Time { return time.Now().UTC() },
		newToken: uuid.NewString,
	}
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, username, password string) (chat.Identity, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return chat.Identity{}, err
	}
	if len(password) < 8 {
		return chat.Identity{}, ErrWeakPassword
	}
	if len(password) > 72 {
		return chat.Identity{}, ErrPasswordTooLong
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("failed to hash password: %w", err)
	}

	u, err := s.users.CreateUser(ctx, username, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return chat.Identity{}, ErrUsernameTaken
		}
		return chat.Identity{}, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return chat.Identity{UserID: u.ID, Username: u.Username}, nil
}

// Login checks the credentials and issues a session.
func (s *Service) Login(ctx context.Context, username, password string) (Login, error) {
	u, err := s.users.UserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Login{}, ErrInvalidCredentials
		}
		return Login{}, fmt.Errorf("failed to find user: %w", err)
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		return Login{}, ErrInvalidCredentials
	}

	now := s.now()
	sess := store.Session{
		Token:      s.newToken(),
		UserID:     u.ID,
		Username:   u.Username,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		LastActive: now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return Login{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.Info("user logged in", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return Login{
		SessionToken: sess.Token,
		UserID:       u.ID,
		Username:     u.Username,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Session resolves a session token to its identity.
func (s *Service) Session(ctx context.Context, token string) (chat.Identity, error) {
	if token == "" {
		return chat.Identity{}, store.ErrNotFound
	}
	return s.sessions.ValidateSession(ctx, token)
}

// Logout ends a session.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func validateUsername(username string) error {
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLength {
		return ErrInvalidUsername
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return ErrInvalidUsername
	}
	return nil
}
