package cutibot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryResetScheduler_Next(t *testing.T) {
	t.Parallel()
	s := newMemoryResetScheduler("0 4 * * *", func(context.Context) {}, testLogger(t))

	from := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2024, 6, 2, 4, 0, 0, 0, time.UTC), next, 0)

	next, err = s.Next(time.Date(2024, 6, 1, 3, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC), next, 0)

	bad := newMemoryResetScheduler("not a cron", func(context.Context) {}, testLogger(t))
	_, err = bad.Next(from)
	assert.Error(t, err)
}

func TestMemoryResetScheduler_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var resets atomic.Int32
	s := newMemoryResetScheduler(
		"* * * * *",
		func(context.Context) { resets.Add(1) },
		testLogger(t),
	)
	// one second before the next minute
	s.now = func() time.Time {
		return time.Now().Truncate(time.Minute).Add(time.Minute - time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler didn't stop")
	}
	assert.Zero(t, resets.Load())
}

func TestMemoryResetScheduler_RunResets(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var resets atomic.Int32
	s := newMemoryResetScheduler(
		"* * * * *",
		func(context.Context) { resets.Add(1) },
		testLogger(t),
	)
	almost := time.Now().Truncate(time.Minute).Add(time.Minute - 20*time.Millisecond)
	s.now = func() time.Time { return almost }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(
		t,
		func() bool { return resets.Load() >= 2 },
		5*time.Second,
		5*time.Millisecond,
	)
	cancel()
	<-done
}

func TestSleepUntilDone(t *testing.T) {
	t.Parallel()
	assert.True(t, sleepUntilDone(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepUntilDone(ctx, time.Hour))
	assert.False(t, sleepUntilDone(ctx, 0))
}
