package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShutdown(timeout time.Duration) *GracefulShutdown {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewGracefulShutdown(timeout, logger)
}

func TestShutdown_RunsHooksInOrder(t *testing.T) {
	gs := newTestShutdown(time.Second)

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	gs.Register("close db", OrderCleanupStorage, record("close db"))
	gs.Register("stop api", OrderStopAPI, record("stop api"))
	gs.Register("flush output", OrderFlushOutput, record("flush output"))

	assert.Equal(t, []string{"stop api", "flush output", "close db"}, gs.Hooks())
	require.NoError(t, gs.Shutdown())
	assert.Equal(t, []string{"stop api", "flush output", "close db"}, order)
	assert.Error(t, gs.Context().Err())
}

func TestShutdown_RunsOnce(t *testing.T) {
	gs := newTestShutdown(time.Second)

	var calls atomic.Int32
	gs.Register("count", OrderStopAPI, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, gs.Shutdown())
	require.NoError(t, gs.Shutdown())
	assert.EqualValues(t, 1, calls.Load())
}

func TestShutdown_CollectsErrors(t *testing.T) {
	gs := newTestShutdown(time.Second)

	boom := errors.New("boom")
	ran := false
	gs.Register("fails", OrderFlushOutput, func(context.Context) error { return boom })
	gs.Register("still runs", OrderCleanupStorage, func(context.Context) error {
		ran = true
		return nil
	})

	err := gs.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
	assert.True(t, ran)
}

func TestShutdown_TimeoutSkipsRemaining(t *testing.T) {
	gs := newTestShutdown(20 * time.Millisecond)

	ran := false
	gs.Register("slow", OrderStopAPI, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	gs.Register("skipped", OrderCleanupStorage, func(context.Context) error {
		ran = true
		return nil
	})

	err := gs.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestInterrupt(t *testing.T) {
	gs := newTestShutdown(time.Second)

	assert.False(t, gs.Interrupted())
	assert.True(t, gs.Interrupt())
	assert.False(t, gs.Interrupt())
	assert.True(t, gs.Interrupted())
	assert.ErrorIs(t, gs.Context().Err(), context.Canceled)
}

func TestListen_FirstSignalInterruptsSecondForces(t *testing.T) {
	gs := newTestShutdown(time.Second)
	forced := make(chan struct{}, 1)
	gs.force = func() { forced <- struct{}{} }

	gs.Listen(syscall.SIGUSR1)
	defer gs.Shutdown()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-gs.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("第一次信号没有取消上下文")
	}

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case <-forced:
	case <-time.After(2 * time.Second):
		t.Fatal("第二次信号没有强制退出")
	}
}
