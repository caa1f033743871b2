package cutibot

import (
	"context"
	"sync"
	"time"
)

// RequestGovernor enforces a minimum interval between outbound model
// calls, process-wide. Callers are serialized: a caller arriving less
// than minInterval after the previous call finished sleeps for the
// remainder, then makes its call while holding the governor.
//
// The last call time is recorded after the call returns, whether or
// not it succeeded.
type RequestGovernor struct {
	mu          sync.Mutex
	minInterval time.Duration

	// lastCall has its own lock, so it can be read while a call is
	// in flight
	lastMu   sync.RWMutex
	lastCall time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// onWait, if set, is called with the duration the caller is
	// about to wait before its call is dispatched
	onWait func(time.Duration)
}

func NewRequestGovernor(minInterval time.Duration) *RequestGovernor {
	return &RequestGovernor{
		minInterval: minInterval,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MinInterval returns the configured minimum interval between calls
func (g *RequestGovernor) MinInterval() time.Duration {
	return g.minInterval
}

// LastCall returns the completion time of the most recent call
func (g *RequestGovernor) LastCall() time.Time {
	g.lastMu.RLock()
	defer g.lastMu.RUnlock()
	return g.lastCall
}

// Do waits until minInterval has elapsed since the previous call
// completed, then executes fn. If ctx is cancelled while waiting,
// fn is not called and the context error is returned. Errors from
// fn are returned unchanged.
func (g *RequestGovernor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last := g.LastCall(); !last.IsZero() {
		if wait := g.minInterval - g.now().Sub(last); wait > 0 {
			if g.onWait != nil {
				g.onWait(wait)
			}
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	err := fn(ctx)

	g.lastMu.Lock()
	g.lastCall = g.now()
	g.lastMu.Unlock()
	return err
}
