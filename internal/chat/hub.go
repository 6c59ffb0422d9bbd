// Package chat is the realtime core: it tracks live connections, room
// membership and identities, and routes chat and call-signaling envelopes
// between them.
//
// All connection and room state is owned by the Hub's event loop. Transport
// goroutines hand work to the loop and perform store calls on their own
// goroutine, so a slow store only delays the connection that triggered it.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/metrics"
)

// ErrHubClosed is returned when work is submitted after Shutdown.
var ErrHubClosed = errors.New("hub closed")

// Options tunes Hub behavior.
type Options struct {
	// HistoryLimit bounds the messages returned in joined-room.
	HistoryLimit int
	// LegacyIdentity allows join-room to bind a bare username on an
	// unauthenticated connection.
	LegacyIdentity bool
	// StoreTimeout bounds each store call. Zero means no timeout.
	StoreTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		HistoryLimit: 50,
		StoreTimeout: 5 * time.Second,
	}
}

// Hub owns the connection and room registries and serializes every state
// change through its Run loop.
type Hub struct {
	conns    *ConnectionRegistry
	rooms    *RoomRegistry
	auth     *SessionAuthenticator
	messages MessageStore
	sessions SessionStore
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Metrics

	now   func() time.Time
	newID func() string

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub backed by the given stores. Run must be started
// before any other method is called.
func NewHub(messages MessageStore, sessions SessionStore, opts Options, log *zap.Logger, m *metrics.Metrics) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions().HistoryLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		conns:    NewConnectionRegistry(),
		rooms:    NewRoomRegistry(),
		auth:     NewSessionAuthenticator(sessions),
		messages: messages,
		sessions: sessions,
		opts:     opts,
		log:      log.Named("hub"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		ops:      make(chan func()),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Run executes state changes one at a time until Shutdown is called. On
// shutdown every live peer is closed.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closePeers()
			return
		case op := <-h.ops:
			op()
		}
	}
}

// do runs fn on the loop and waits for it. It returns false if the hub has
// stopped.
func (h *Hub) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.ops <- func() {
		defer close(finished)
		fn()
	}:
	case <-h.ctx.Done():
		return false
	}
	<-finished
	return true
}

// Attach registers peer as a new connection and greets it with a connected
// envelope carrying its id.
func (h *Hub) Attach(peer Peer) (string, error) {
	var id string
	ok := h.do(func() {
		c := h.conns.Register(peer)
		id = c.ID
		h.metrics.SetConnections(h.conns.Len())
		h.log.Info("client registered",
			zap.String("conn_id", c.ID),
			zap.String("remote", peer.RemoteAddr()),
			zap.Int("total_clients", h.conns.Len()))
		h.send(c, connectedEnvelope{Type: TypeConnected, ConnectionID: c.ID, Timestamp: h.now()})
	})
	if !ok {
		return "", ErrHubClosed
	}
	return id, nil
}

// Detach tears down a closed connection: it leaves its room, notifying the
// remaining members, drops it from the registry and rebinds the session to
// the room of any other connection still using it, or clears it. The
// transport calls it once per connection; repeat calls are no-ops.
func (h *Hub) Detach(connID string) {
	var token, bound string
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok {
			return
		}
		token = c.SessionToken
		bound = h.conns.SessionRoom(token, connID)
		h.leave(c)
		h.conns.Remove(connID)
		h.metrics.SetConnections(h.conns.Len())
		h.log.Info("client unregistered",
			zap.String("conn_id", connID),
			zap.String("remote", c.peer.RemoteAddr()),
			zap.Int("total_clients", h.conns.Len()))
	})
	if token != "" {
		h.bindSessionRoom(context.Background(), token, bound)
	}
}

// Stats reports the number of live connections and occupied rooms.
func (h *Hub) Stats() (connections, rooms int) {
	h.do(func() {
		connections = h.conns.Len()
		rooms = h.rooms.Len()
	})
	return connections, rooms
}

// Shutdown stops the loop, closes every peer and waits for the loop to exit
// or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()

	select {
	case <-h.done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}

func (h *Hub) closePeers() {
	conns := h.conns.snapshot()
	for _, c := range conns {
		c.peer.Close()
	}
	h.log.Info("closed client connections", zap.Int("count", len(conns)))
}

func (h *Hub) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.opts.StoreTimeout)
}

func (h *Hub) bindSessionRoom(ctx context.Context, token, roomID string) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := h.storeContext(ctx)
	defer cancel()
	if err := h.sessions.BindRoom(ctx, token, roomID); err != nil {
		h.metrics.PersistenceFailure("bind_room")
		h.log.Warn("failed to update session room", zap.String("room_id", roomID), zap.Error(err))
	}
}
