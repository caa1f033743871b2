package cutibot

import (
	"context"
	"github.com/adhocore/gronx"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const memoryResetRetryInterval = 30 * time.Second

// memoryResetScheduler clears conversation memory on a cron schedule
type memoryResetScheduler struct {
	expr   string
	reset  func(ctx context.Context)
	logger *slog.Logger
	now    func() time.Time
}

func newMemoryResetScheduler(
	expr string,
	reset func(ctx context.Context),
	logger *slog.Logger,
) *memoryResetScheduler {
	return &memoryResetScheduler{
		expr:   expr,
		reset:  reset,
		logger: logger,
		now:    time.Now,
	}
}

// Next returns the next time the schedule fires after t
func (s *memoryResetScheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks until ctx is cancelled, calling reset on each tick
func (s *memoryResetScheduler) Run(ctx context.Context) {
	logger := s.logger.With("schedule", s.expr)
	logger.InfoContext(ctx, "memory reset scheduler started")

	for {
		next, err := s.Next(s.now())
		if err != nil {
			logger.ErrorContext(ctx, "error computing next memory reset", tint.Err(err))
			if !sleepUntilDone(ctx, memoryResetRetryInterval) {
				logger.InfoContext(ctx, "memory reset scheduler stopped")
				return
			}
			continue
		}

		logger.DebugContext(ctx, "next memory reset", "at", next)
		if !sleepUntilDone(ctx, next.Sub(s.now())) {
			logger.InfoContext(ctx, "memory reset scheduler stopped")
			return
		}
		s.reset(ctx)
	}
}

// sleepUntilDone sleeps for d, returning false if ctx is cancelled first
func sleepUntilDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
