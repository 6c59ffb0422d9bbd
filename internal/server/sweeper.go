package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionPurger removes idle sessions.
type SessionPurger interface {
	PurgeInactive(ctx context.Context, maxIdle time.Duration) (int64, error)
}

// Sweeper periodically purges sessions idle for longer than maxIdle. It only
// touches the session store; live connections are unaffected.
type Sweeper struct {
	purger   SessionPurger
	interval time.Duration
	maxIdle  time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSweeper returns a stopped sweeper.
func NewSweeper(p SessionPurger, interval, maxIdle, timeout time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		purger:   p,
		interval: interval,
		maxIdle:  maxIdle,
		timeout:  timeout,
		log:      log.Named("sweeper"),
	}
}

// Start runs the sweep every interval until Stop or ctx ends. Calling Start
// on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	go s.run(ctx, s.stopped)
}

// Stop cancels the sweep and waits for an in-flight purge to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Sweeper) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one purge.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	n, err := s.purger.PurgeInactive(ctx, s.maxIdle)
	if err != nil {
		s.log.Warn("session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("purged inactive sessions", zap.Int64("count", n))
	}
}
