package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Tyrowin/huddle/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL UNIQUE,
	password_hash TEXT    NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT    PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT    PRIMARY KEY,
	room_id    TEXT    NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id    TEXT    NOT NULL,
	username   TEXT    NOT NULL,
	body       TEXT    NOT NULL,
	encrypted  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at);

CREATE TABLE IF NOT EXISTS sessions (
	token       TEXT    PRIMARY KEY,
	user_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	room_id     TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	last_active INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions (last_active);
`

// SQLite is the SQLite-backed store. It implements chat.MessageStore and
// SessionBackend and holds the user table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_foreign_keys": {"on"},
		"_busy_timeout": {"5000"},
		"_journal_mode": {"WAL"},
	}.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a user. A taken username yields ErrConflict.
func (s *SQLite) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, passwordHash, now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("user %q: %w", username, ErrConflict)
		}
		return User{}, fmt.Errorf("failed to insert user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("failed to read user id: %w", err)
	}
	return User{
		ID:           strconv.FormatInt(id, 10),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

// UserByUsername looks up a user by name.
func (s *SQLite) UserByUsername(ctx context.Context, username string) (User, error) {
	var (
		u       User
		id      int64
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ?",
		username).Scan(&id, &u.Username, &u.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return User{}, fmt.Errorf("error querying user %q: %w", username, err)
	}
	u.ID = strconv.FormatInt(id, 10)
	u.CreatedAt = time.Unix(0, created).UTC()
	return u, nil
}

// CreateRoom records roomID if it is not already known.
func (s *SQLite) CreateRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, created_at) VALUES (?, ?)",
		roomID, s.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to insert room %q: %w", roomID, err)
	}
	return nil
}

// SaveMessage stores msg, creating its room record if needed.
func (s *SQLite) SaveMessage(ctx context.Context, msg chat.NewMessage) (chat.StoredMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("begin save message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, created_at) VALUES (?, ?)",
		msg.RoomID, msg.SentAt.UnixNano()); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("failed to insert room %q: %w", msg.RoomID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, user_id, username, body, encrypted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.UserID, msg.Username, msg.Text, msg.Encrypted, msg.SentAt.UnixNano()); err != nil {
		if isUniqueViolation(err) {
			return chat.StoredMessage{}, fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
		}
		return chat.StoredMessage{}, fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("commit message %s: %w", msg.ID, err)
	}

	return chat.StoredMessage{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.Username,
		Username:  msg.Username,
		Message:   msg.Text,
		Encrypted: msg.Encrypted,
		Timestamp: msg.SentAt.UTC(),
	}, nil
}

// RecentMessages returns the newest limit messages of roomID, oldest first.
func (s *SQLite) RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.StoredMessage, error) {
	return s.RoomHistory(ctx, roomID, limit, 0)
}

// RoomHistory pages backwards through roomID: offset skips that many of the
// newest messages. The page is returned oldest first.
func (s *SQLite) RoomHistory(ctx context.Context, roomID string, limit, offset int) ([]chat.StoredMessage, error) {
	if limit <= 0 {
		return []chat.StoredMessage{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, username, body, encrypted, created_at FROM messages
		 WHERE room_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ? OFFSET ?`,
		roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %q: %w", roomID, err)
	}
	defer rows.Close()

	msgs := []chat.StoredMessage{}
	for rows.Next() {
		var (
			m       chat.StoredMessage
			created int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Username, &m.Message, &m.Encrypted, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.UserID = m.Username
		m.Timestamp = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over messages for %q: %w", roomID, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CreateSession stores a new session.
func (s *SQLite) CreateSession(ctx context.Context, sess Session) error {
	userID, err := strconv.ParseInt(sess.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("session user id %q: %w", sess.UserID, err)
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	lastActive := sess.LastActive
	if lastActive.IsZero() {
		lastActive = created
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, room_id, created_at, expires_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.Token, userID, sess.RoomID, created.UnixNano(), sess.ExpiresAt.UnixNano(), lastActive.UnixNano()); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session: %w", ErrConflict)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// ValidateSession resolves token to its user and marks the session active.
func (s *SQLite) ValidateSession(ctx context.Context, token string) (chat.Identity, error) {
	var (
		userID  int64
		name    string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.user_id, u.username, s.expires_at FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token = ?`,
		token).Scan(&userID, &name, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Identity{}, fmt.Errorf("session: %w", ErrNotFound)
		}
		return chat.Identity{}, fmt.Errorf("error querying session: %w", err)
	}

	now := s.now()
	if now.UnixNano() >= expires {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
			return chat.Identity{}, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return chat.Identity{}, ErrSessionExpired
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_active = ? WHERE token = ?", now.UnixNano(), token); err != nil {
		return chat.Identity{}, fmt.Errorf("failed to touch session: %w", err)
	}
	sess := Session{Token: token, UserID: strconv.FormatInt(userID, 10), Username: name}
	return sess.Identity(), nil
}

// BindRoom records the room the session occupies and marks it active.
func (s *SQLite) BindRoom(ctx context.Context, token, roomID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET room_id = ?, last_active = ? WHERE token = ?",
		roomID, s.now().UnixNano(), token)
	if err != nil {
		return fmt.Errorf("failed to update session room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	return nil
}

// SessionRoom returns the room bound to token.
func (s *SQLite) SessionRoom(ctx context.Context, token string) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx, "SELECT room_id FROM sessions WHERE token = ?", token).Scan(&roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("session: %w", ErrNotFound)
		}
		return "", fmt.Errorf("error querying session room: %w", err)
	}
	return roomID, nil
}

// DeleteSession removes token. Deleting an unknown token is not an error.
func (s *SQLite) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeInactive implements SessionBackend.
func (s *SQLite) PurgeInactive(ctx context.Context, maxIdle time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_active < ? OR expires_at <= ?",
		now.Add(-maxIdle).UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
