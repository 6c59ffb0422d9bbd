package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleWebSocket upgrades the request and serves the connection on the
// handler goroutine until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, ClientOptions{
		MaxMessageSize: s.cfg.Server.MaxMessageSize,
		SendBuffer:     s.cfg.Server.SendBuffer,
		RateLimit:      s.cfg.Server.RateLimit,
	}, s.log.Named("client"))
	client.Serve(s.ctx)
}

// handleHealth reports whether the server and its database are reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain")
	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "huddle server is unhealthy: database unavailable")
		return
	}
	_, _ = fmt.Fprint(w, "huddle server is running")
}
