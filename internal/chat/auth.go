package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrRejected reports a session token that is absent, expired or could not
// be checked.
var ErrRejected = errors.New("session rejected")

// SessionAuthenticator validates opaque session tokens against the session
// store.
type SessionAuthenticator struct {
	sessions SessionStore
}

// NewSessionAuthenticator returns an authenticator backed by sessions.
func NewSessionAuthenticator(sessions SessionStore) *SessionAuthenticator {
	return &SessionAuthenticator{sessions: sessions}
}

// Authenticate resolves token to an identity. Every failure wraps
// ErrRejected.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if a.sessions == nil {
		return Identity{}, fmt.Errorf("%w: no session store", ErrRejected)
	}
	id, err := a.sessions.ValidateSession(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if id.UserID == "" || id.Username == "" {
		return Identity{}, fmt.Errorf("%w: incomplete identity", ErrRejected)
	}
	return id, nil
}

func (h *Hub) authenticate(ctx context.Context, connID string, in Inbound) {
	storeCtx, cancel := h.storeContext(ctx)
	id, err := h.auth.Authenticate(storeCtx, in.SessionToken)
	cancel()

	var (
		roomID   string
		oldToken string
		oldRoom  string
	)
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok {
			return
		}
		if err != nil {
			h.log.Info("authentication failed", zap.String("conn_id", connID), zap.Error(err))
			h.send(c, authFailedEnvelope{Type: TypeAuthFailed, Error: "Invalid or expired session"})
			return
		}
		if c.SessionToken != in.SessionToken {
			oldToken = c.SessionToken
		}
		if c.Authenticated() && c.Username != id.Username {
			// A new identity leaves the room the old one joined.
			prev := c.RoomID
			if h.leave(c) {
				h.send(c, leftRoomEnvelope{Type: TypeLeftRoom, RoomID: prev})
			}
		}
		h.conns.Bind(c, id, in.SessionToken, false)
		roomID = c.RoomID
		if oldToken != "" {
			oldRoom = h.conns.SessionRoom(oldToken, c.ID)
		}
		h.log.Info("client authenticated",
			zap.String("conn_id", connID),
			zap.String("username", id.Username))
		h.send(c, authenticatedEnvelope{Type: TypeAuthenticated, UserID: id.UserID, Username: id.Username})
	})

	if err != nil {
		return
	}
	if oldToken != "" {
		h.bindSessionRoom(ctx, oldToken, oldRoom)
	}
	if roomID != "" {
		h.bindSessionRoom(ctx, in.SessionToken, roomID)
	}
}

// bindLegacy gives an unauthenticated connection the bare username it asked
// for. No session record backs it and its messages are never persisted.
func (h *Hub) bindLegacy(c *Connection, username string) {
	h.conns.Bind(c, Identity{UserID: username, Username: username}, "", true)
	h.log.Info("legacy identity bound",
		zap.String("conn_id", c.ID),
		zap.String("username", username))
}
