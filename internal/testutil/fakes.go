package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/Tyrowin/huddle/internal/chat"
)

// FakePeer is an in-memory chat.Peer. Frames are recorded as they are sent.
// A positive Capacity makes Send fail once that many frames are pending.
type FakePeer struct {
	Addr     string
	Capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewFakePeer returns an unbounded peer identified by addr.
func NewFakePeer(addr string) *FakePeer {
	return &FakePeer{Addr: addr}
}

// Send implements chat.Peer.
func (p *FakePeer) Send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.Capacity > 0 && len(p.frames) >= p.Capacity {
		return false
	}
	p.frames = append(p.frames, append([]byte(nil), msg...))
	return true
}

// Close implements chat.Peer.
func (p *FakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// RemoteAddr implements chat.Peer.
func (p *FakePeer) RemoteAddr() string {
	return p.Addr
}

// Closed reports whether Close was called.
func (p *FakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Drain returns the pending frames decoded as JSON objects and clears them.
func (p *FakePeer) Drain(t *testing.T) []map[string]any {
	t.Helper()
	p.mu.Lock()
	frames := p.frames
	p.frames = nil
	p.mu.Unlock()

	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("Peer %s received non-JSON frame %q: %v", p.Addr, f, err)
		}
		out = append(out, m)
	}
	return out
}

// Types lists the type tags of frames.
func Types(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		s, _ := f["type"].(string)
		out = append(out, s)
	}
	return out
}

// ErrStoreDown is returned by a MemoryStore with Fail set.
var ErrStoreDown = errors.New("store unavailable")

// MemoryStore implements chat.MessageStore and chat.SessionStore in memory.
type MemoryStore struct {
	// Fail makes every message operation return ErrStoreDown.
	Fail bool

	mu       sync.Mutex
	rooms    map[string]bool
	messages map[string][]chat.StoredMessage
	sessions map[string]chat.Identity
	bound    map[string]string
	nextUser int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]bool),
		messages: make(map[string][]chat.StoredMessage),
		sessions: make(map[string]chat.Identity),
		bound:    make(map[string]string),
	}
}

// AddSession registers token for username and returns the identity.
func (s *MemoryStore) AddSession(token, username string) chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	id := chat.Identity{UserID: strconv.Itoa(s.nextUser), Username: username}
	s.sessions[token] = id
	return id
}

// ExpireSession removes token.
func (s *MemoryStore) ExpireSession(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// CreateRoom implements chat.MessageStore.
func (s *MemoryStore) CreateRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrStoreDown
	}
	s.rooms[roomID] = true
	return nil
}

// SaveMessage implements chat.MessageStore.
func (s *MemoryStore) SaveMessage(_ context.Context, msg chat.NewMessage) (chat.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return chat.StoredMessage{}, ErrStoreDown
	}
	stored := chat.StoredMessage{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.Username,
		Username:  msg.Username,
		Message:   msg.Text,
		Encrypted: msg.Encrypted,
		Timestamp: msg.SentAt,
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], stored)
	return stored, nil
}

// RecentMessages implements chat.MessageStore.
func (s *MemoryStore) RecentMessages(_ context.Context, roomID string, limit int) ([]chat.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrStoreDown
	}
	msgs := s.messages[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]chat.StoredMessage(nil), msgs...), nil
}

// Messages returns every saved message of roomID.
func (s *MemoryStore) Messages(roomID string) []chat.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.StoredMessage(nil), s.messages[roomID]...)
}

// Rooms lists created room ids in sorted order.
func (s *MemoryStore) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateSession implements chat.SessionStore.
func (s *MemoryStore) ValidateSession(_ context.Context, token string) (chat.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[token]
	if !ok {
		return chat.Identity{}, errors.New("session not found")
	}
	return id, nil
}

// BindRoom implements chat.SessionStore.
func (s *MemoryStore) BindRoom(_ context.Context, token, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; !ok {
		return errors.New("session not found")
	}
	s.bound[token] = roomID
	return nil
}

// BoundRoom returns the room last bound to token.
func (s *MemoryStore) BoundRoom(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[token]
}
