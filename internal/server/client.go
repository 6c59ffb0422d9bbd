package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/config"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// ClientOptions bounds a single connection.
type ClientOptions struct {
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      config.RateLimitConfig
}

// Client is one WebSocket connection. It implements chat.Peer: the hub
// queues frames with Send and the write pump delivers them one frame per
// envelope.
type Client struct {
	conn    *websocket.Conn
	hub     *chat.Hub
	log     *zap.Logger
	addr    string
	id      string
	limiter *rate.Limiter
	opts    ClientOptions

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. The client is not attached to the hub until Serve.
func NewClient(conn *websocket.Conn, hub *chat.Hub, opts ClientOptions, log *zap.Logger) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = config.Default().Server.SendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = config.Default().Server.MaxMessageSize
	}
	rl := opts.RateLimit
	if rl.Burst <= 0 || rl.RefillInterval <= 0 {
		rl = config.Default().Server.RateLimit
	}

	addr := ""
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
		addr = conn.RemoteAddr().String()
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		conn:    conn,
		hub:     hub,
		log:     log.With(zap.String("remote", addr)),
		addr:    addr,
		limiter: rate.NewLimiter(rate.Every(rl.RefillInterval), rl.Burst),
		opts:    opts,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// Send implements chat.Peer. It never blocks; a full buffer reports false.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close implements chat.Peer. The write pump sends a close frame and tears
// the socket down, which ends the read pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// RemoteAddr implements chat.Peer.
func (c *Client) RemoteAddr() string {
	return c.addr
}

// Serve attaches the client to the hub and runs its pumps until the
// connection ends. The write pump runs on its own goroutine.
func (c *Client) Serve(ctx context.Context) {
	id, err := c.hub.Attach(c)
	if err != nil {
		c.log.Warn("rejecting connection", zap.Error(err))
		c.closeConnection()
		return
	}
	c.id = id
	c.log = c.log.With(zap.String("conn_id", id))

	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("max_bytes", c.opts.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.Close()
		c.hub.Detach(c.id)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", zap.Int("type", messageType))
			continue
		}
		if !c.limiter.Allow() {
			c.log.Warn("rate limit exceeded; discarding message",
				zap.Int("burst", c.limiter.Burst()),
				zap.Duration("refill_interval", c.opts.RateLimit.RefillInterval))
			continue
		}
		c.hub.Handle(ctx, c.id, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message := <-c.send:
			if !c.writeMessage(websocket.TextMessage, message) {
				return
			}
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.flush()
			c.writeMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames that were queued before Close.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if !c.writeMessage(websocket.TextMessage, message) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", zap.Int("type", messageType), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("error closing connection", zap.Error(err))
	}
}

// isExpectedCloseError reports errors that occur routinely while a
// connection is being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
