package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/config"
)

// CreateServer creates an HTTP server for handler with the configured
// address and timeouts.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// ShutdownServer stops the listener and waits for in-flight HTTP requests
// until ctx ends. Upgraded WebSocket connections are not tracked here.
func ShutdownServer(ctx context.Context, server *http.Server, log *zap.Logger) error {
	log.Info("shutting down HTTP server")
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
		return err
	}
	log.Info("HTTP server shutdown completed")
	return nil
}
