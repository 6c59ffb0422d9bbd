package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/account"
	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/config"
	"github.com/Tyrowin/huddle/internal/metrics"
	"github.com/Tyrowin/huddle/internal/store"
)

// Server owns the stores, the chat hub, the session sweeper and the HTTP
// listener, and tears them down in order on Shutdown.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	db       *store.SQLite
	sessions store.SessionBackend
	accounts *account.Service
	hub      *chat.Hub
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	sweeper  *Sweeper
	http     *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the stores and starts the hub and sweeper. The HTTP listener is
// started separately with ListenAndServe.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = config.Sanitize(cfg)

	db, err := store.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	var sessions store.SessionBackend = db
	if cfg.Sessions.Backend == config.BackendRedis {
		rdb, err := store.NewRedisClient(ctx, store.RedisOptions{
			URL:          cfg.Redis.URL,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sessions = store.NewRedisSessions(rdb, cfg.Redis.Prefix)
	}

	m := metrics.New()
	hub := chat.NewHub(db, sessions, chat.Options{
		HistoryLimit:   cfg.Chat.HistoryLimit,
		LegacyIdentity: cfg.Chat.LegacyIdentity,
		StoreTimeout:   cfg.Store.Timeout,
	}, log, m)

	s := &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		metrics:  m,
		db:       db,
		sessions: sessions,
		accounts: account.NewService(db, sessions,
			account.NewPasswordHasher(cfg.Account.BcryptCost), cfg.Sessions.TTL, log),
		hub:     hub,
		origins: NewOriginPolicy(cfg.Server.AllowedOrigins, log.Named("origin")),
		sweeper: NewSweeper(sessions, cfg.Sessions.SweepInterval, cfg.Sessions.MaxIdle,
			cfg.Store.Timeout, log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.http = CreateServer(cfg.Server, s.Handler())

	go hub.Run()
	s.sweeper.Start(s.ctx)

	s.log.Info("server initialized",
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Path),
		zap.String("sessions", cfg.Sessions.Backend),
		zap.Bool("legacy_identity", cfg.Chat.LegacyIdentity))
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Hub returns the chat hub.
func (s *Server) Hub() *chat.Hub {
	return s.hub
}

// ListenAndServe serves HTTP until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown stops accepting connections, stops the sweeper, closes every
// live connection and closes the stores. In-flight calls are not drained.
// Repeat calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	var errs []error

	if err := ShutdownServer(ctx, s.http, s.log); err != nil {
		errs = append(errs, err)
	}

	s.sweeper.Stop()

	if err := s.hub.Shutdown(hubShutdownTimeout(ctx, s.cfg.Server.ShutdownTimeout)); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	s.cancel()

	if s.sessions != store.SessionBackend(s.db) {
		if err := s.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("server shutdown finished with errors", zap.Error(err))
	} else {
		s.log.Info("server shutdown completed")
	}
	return err
}

// minHubShutdown is the least time the hub gets to close its peers, even
// when the HTTP shutdown used up ctx.
const minHubShutdown = time.Second

// hubShutdownTimeout returns the time left on ctx, or fallback without a
// deadline, but never less than minHubShutdown.
func hubShutdownTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	timeout := fallback
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout < minHubShutdown {
		timeout = minHubShutdown
	}
	return timeout
}
