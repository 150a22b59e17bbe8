package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"
)

var _ supervisor.Runnable = (*Sweeper)(nil)

// Sweeper periodically drops expired entries so idle keys do not pin memory
// until their next Get.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger

	runCancel context.CancelFunc
}

func NewSweeper(c *Cache, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cache:    c,
		interval: interval,
		logger:   logger.WithGroup("cache.Sweeper"),
	}
}

// String implements the supervisor.Runnable interface
func (s *Sweeper) String() string {
	return "cache.Sweeper"
}

// Run implements the supervisor.Runnable interface
func (s *Sweeper) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("Starting sweeper", "interval", s.interval)
	for {
		select {
		case <-runCtx.Done():
			s.logger.Debug("Sweeper shutting down")
			return nil
		case <-ticker.C:
			if dropped := s.cache.Sweep(); dropped > 0 {
				s.logger.Debug("Swept expired entries", "dropped", dropped)
			}
		}
	}
}

// Stop implements the supervisor.Runnable interface
func (s *Sweeper) Stop() {
	if s.runCancel != nil {
		s.runCancel()
	}
}
