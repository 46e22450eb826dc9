package asyncloop

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runUntilSettled drives the loop until a settles (or the deadline trips),
// keeping it alive with a short periodic timer.
func runUntilSettled(t *testing.T, loop *Loop, a *Awaitable) {
	t.Helper()
	a.Done(func(any) { loop.Stop() }, func(error) { loop.Stop() })
	keepalive, err := loop.Periodic(0.005, func() {})
	require.NoError(t, err)
	defer func() { _ = keepalive.Free() }()

	done := make(chan error, 1)
	go func() { done <- loop.Run(nil) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		loop.Stop()
		t.Fatal("awaitable never settled")
	}
}

func TestPromisifyResolvesOnLoop(t *testing.T) {
	loop := mustLoop(t)

	a := loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return 42, nil
	})
	runUntilSettled(t, loop, a)

	v, err := a.GetResult()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPromisifyError(t *testing.T) {
	loop := mustLoop(t)

	boom := errors.New("boom")
	a := loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	})
	runUntilSettled(t, loop, a)

	_, err := a.GetResult()
	require.ErrorIs(t, err, boom)
}

func TestPromisifyPanic(t *testing.T) {
	loop := mustLoop(t)

	a := loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		panic("worker exploded")
	})
	runUntilSettled(t, loop, a)

	_, err := a.GetResult()
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "worker exploded", perr.Value)
}

func TestPromisifyGoexit(t *testing.T) {
	loop := mustLoop(t)

	a := loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	})
	runUntilSettled(t, loop, a)

	_, err := a.GetResult()
	require.ErrorIs(t, err, ErrGoexit)
}

func TestPromisifyPreCancelledContext(t *testing.T) {
	loop := mustLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		t.Error("fn must not run with a cancelled context")
		return nil, nil
	})
	runUntilSettled(t, loop, a)

	_, err := a.GetResult()
	require.ErrorIs(t, err, context.Canceled)
}

func TestPromisifyTimeout(t *testing.T) {
	loop := mustLoop(t)

	a := loop.PromisifyTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "too slow", nil
		}
	})
	runUntilSettled(t, loop, a)

	_, err := a.GetResult()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPromisifyOnClosedLoop(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	a := loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		return 1, nil
	})
	require.True(t, a.IsRejected())
	_, err = a.GetResult()
	require.ErrorIs(t, err, ErrLoopTerminated)
}
