package chat

import (
	"github.com/google/uuid"
)

// Peer is the outbound half of a transport connection.
type Peer interface {
	// Send queues msg without blocking and reports whether the peer was
	// writable.
	Send(msg []byte) bool
	// Close tears down the transport. It must not call back into the Hub
	// synchronously.
	Close()
	// RemoteAddr identifies the peer in logs.
	RemoteAddr() string
}

// Connection is the session state of one live transport connection.
type Connection struct {
	ID           string
	UserID       string
	Username     string
	RoomID       string
	SessionToken string
	// Legacy marks an identity bound without a session token.
	Legacy bool

	peer    Peer
	dropped bool
}

// Authenticated reports whether an identity is bound to c.
func (c *Connection) Authenticated() bool {
	return c.UserID != "" && c.Username != ""
}

// Identity returns the identity bound to c.
func (c *Connection) Identity() Identity {
	return Identity{UserID: c.UserID, Username: c.Username}
}

// ConnectionRegistry owns the live connections and the username index used
// by the signaling relay. It is not safe for concurrent use; the Hub loop is
// its only caller.
type ConnectionRegistry struct {
	conns      map[string]*Connection
	byUsername map[string][]string
	newID      func() string
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:      make(map[string]*Connection),
		byUsername: make(map[string][]string),
		newID:      uuid.NewString,
	}
}

// Register adds a connection for peer and returns it.
func (r *ConnectionRegistry) Register(peer Peer) *Connection {
	id := r.newID()
	for _, taken := r.conns[id]; taken; _, taken = r.conns[id] {
		id = r.newID()
	}
	c := &Connection{ID: id, peer: peer}
	r.conns[id] = c
	return c
}

// Get returns the connection with id, if live.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Remove drops the connection and its index entry. Removing an unknown id
// is a no-op.
func (r *ConnectionRegistry) Remove(id string) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	r.unindex(c)
	delete(r.conns, id)
}

// Len returns the number of live connections.
func (r *ConnectionRegistry) Len() int {
	return len(r.conns)
}

// Bind attaches identity to c and updates the username index.
func (r *ConnectionRegistry) Bind(c *Connection, id Identity, token string, legacy bool) {
	r.unindex(c)
	c.UserID = id.UserID
	c.Username = id.Username
	c.SessionToken = token
	c.Legacy = legacy
	r.byUsername[c.Username] = append(r.byUsername[c.Username], c.ID)
}

// FindByUsername returns the earliest-bound connection for username that
// has not been dropped.
func (r *ConnectionRegistry) FindByUsername(username string) (*Connection, bool) {
	for _, id := range r.byUsername[username] {
		if c, ok := r.conns[id]; ok && !c.dropped {
			return c, true
		}
	}
	return nil, false
}

// SessionRoom returns the room occupied by another connection using token,
// or "" if none is in a room.
func (r *ConnectionRegistry) SessionRoom(token, exclude string) string {
	if token == "" {
		return ""
	}
	for id, c := range r.conns {
		if id != exclude && c.SessionToken == token && c.RoomID != "" {
			return c.RoomID
		}
	}
	return ""
}

func (r *ConnectionRegistry) unindex(c *Connection) {
	if c.Username == "" {
		return
	}
	ids := r.byUsername[c.Username]
	for i, id := range ids {
		if id == c.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byUsername, c.Username)
		return
	}
	r.byUsername[c.Username] = ids
}

func (r *ConnectionRegistry) snapshot() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
