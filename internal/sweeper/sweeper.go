// Package sweeper runs the periodic cleanup jobs: expiring searching jobs
// whose offer window was lost and purging expired notifications.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer expires searching jobs older than the threshold.
type Expirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Purger removes notifications that expired before now.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Sweeper struct {
	expirer    Expirer
	purger     Purger
	schedule   string
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a sweeper running on a robfig/cron schedule such as "@every 1m".
// purger may be nil.
func New(expirer Expirer, purger Purger, schedule string, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		expirer:    expirer,
		purger:     purger,
		schedule:   schedule,
		staleAfter: staleAfter,
		cron:       cron.New(),
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule, "stale_after", s.staleAfter)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// RunOnce performs one sweep. Failures are logged and retried on the next tick.
func (s *Sweeper) RunOnce(ctx context.Context) {
	n, err := s.expirer.ExpireStale(ctx, s.staleAfter)
	if err != nil {
		s.logger.ErrorContext(ctx, "expire stale jobs failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "expired stale jobs", "count", n)
	}
	if s.purger == nil {
		return
	}
	purged, err := s.purger.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "purge notifications failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged notifications", "count", purged)
	}
}
