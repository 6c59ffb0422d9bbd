package chat

import (
	"context"
	"time"
)

// Identity is the user a connection acts as.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// NewMessage is a chat message accepted by the server and handed to the
// message store. ID and SentAt are assigned before the live broadcast.
type NewMessage struct {
	ID        string
	RoomID    string
	UserID    string
	Username  string
	Text      string
	Encrypted bool
	SentAt    time.Time
}

// StoredMessage is a persisted chat message as rendered to clients. UserID
// carries the sender's username to match live chat-message envelopes.
type StoredMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Encrypted bool      `json:"encrypted"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStore is the durable chat history collaborator.
type MessageStore interface {
	CreateRoom(ctx context.Context, roomID string) error
	SaveMessage(ctx context.Context, msg NewMessage) (StoredMessage, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]StoredMessage, error)
}

// SessionStore is the durable session collaborator. ValidateSession returns
// an error for absent or expired tokens. BindRoom records the room a session
// currently occupies; an empty roomID clears it.
type SessionStore interface {
	ValidateSession(ctx context.Context, token string) (Identity, error)
	BindRoom(ctx context.Context, token, roomID string) error
}
