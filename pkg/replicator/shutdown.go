package replicator

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Shutdown is a cooperative cancellation flag. Once requested it stays set.
type Shutdown struct {
	requested atomic.Bool
	once      sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	reason    atomic.Value
	logger    *zap.Logger
}

// NewShutdown returns an unset shutdown controller.
func NewShutdown(logger *zap.Logger) *Shutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Shutdown{ctx: ctx, cancel: cancel, logger: logger}
}

// Request sets the flag. Only the first call has an effect.
func (s *Shutdown) Request(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		s.requested.Store(true)
		s.logger.Info("Shutdown requested, draining", zap.String("reason", reason))
		s.cancel()
	})
}

// Requested reports whether shutdown was requested.
func (s *Shutdown) Requested() bool {
	return s.requested.Load()
}

// Reason returns the reason passed to the first Request call.
func (s *Shutdown) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Context is canceled when shutdown is requested. It lets retry sleeps and
// poll waits return early; in-flight sends are not interrupted.
func (s *Shutdown) Context() context.Context {
	return s.ctx
}
