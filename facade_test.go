package asyncloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetDefault clears the process-wide default loop around facade tests.
func resetDefault(t *testing.T) {
	t.Helper()
	prev, err := SetDefault(nil)
	require.NoError(t, err)
	if prev != nil {
		_ = prev.Close()
	}
	t.Cleanup(func() {
		if l, err := SetDefault(nil); err == nil && l != nil {
			_ = l.Close()
		}
	})
}

func TestFacadeDefaultLazyCreation(t *testing.T) {
	resetDefault(t)

	l1, err := Default()
	require.NoError(t, err)
	l2, err := Default()
	require.NoError(t, err)
	assert.Same(t, l1, l2)
}

func TestFacadeFreeFunctions(t *testing.T) {
	resetDefault(t)

	ran := false
	require.NoError(t, Queue(func() { ran = true }))
	assert.False(t, IsEmpty())
	require.NoError(t, Run(nil))
	assert.True(t, ran)
	assert.True(t, IsEmpty())
	assert.False(t, IsRunning())

	fired := false
	_, err := Timer(0.005, func() { fired = true })
	require.NoError(t, err)
	require.NoError(t, Run(nil))
	assert.True(t, fired)

	prev, err := MaxQueueDepth(7)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)
	prev, err = MaxQueueDepth(0)
	require.NoError(t, err)
	assert.Equal(t, 7, prev)

	assert.True(t, SignalHandlingEnabled())
	require.NoError(t, Tick(false))
	Clear()
	Stop()
}

func TestFacadeSetDefaultSwaps(t *testing.T) {
	resetDefault(t)

	orig, err := Default()
	require.NoError(t, err)

	repl := mustLoop(t)
	prev, err := SetDefault(repl)
	require.NoError(t, err)
	assert.Same(t, orig, prev)

	cur, err := Default()
	require.NoError(t, err)
	assert.Same(t, repl, cur)
	_ = orig.Close()
}

func TestFacadeSetDefaultWhileRunningRefused(t *testing.T) {
	resetDefault(t)

	l, err := Default()
	require.NoError(t, err)
	_, err = l.Periodic(3600, func() {})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Run(nil) }()
	require.Eventually(t, l.IsRunning, time.Second, time.Millisecond)

	_, err = SetDefault(mustLoop(t))
	require.ErrorAs(t, err, new(*RunningError))

	l.Stop()
	require.NoError(t, <-done)
}

func TestFacadeWithRestoresDefault(t *testing.T) {
	resetDefault(t)

	orig, err := Default()
	require.NoError(t, err)

	var inner *Loop
	require.NoError(t, With(func(l *Loop) error {
		inner = l
		cur, derr := Default()
		require.NoError(t, derr)
		assert.Same(t, l, cur)
		ran := false
		l.Queue(func() { ran = true })
		if rerr := l.Run(nil); rerr != nil {
			return rerr
		}
		assert.True(t, ran)
		return nil
	}, nil))

	assert.NotSame(t, orig, inner)
	cur, err := Default()
	require.NoError(t, err)
	assert.Same(t, orig, cur, "With restores the previous default")
}

func TestFacadeWithRestoresOnError(t *testing.T) {
	resetDefault(t)

	orig, err := Default()
	require.NoError(t, err)

	boom := errors.New("boom")
	require.ErrorIs(t, With(func(l *Loop) error {
		return boom
	}, nil), boom)

	cur, err := Default()
	require.NoError(t, err)
	assert.Same(t, orig, cur)
}

func TestFacadeWithExplicitAlt(t *testing.T) {
	resetDefault(t)

	alt := mustLoop(t)
	require.NoError(t, With(func(l *Loop) error {
		assert.Same(t, alt, l)
		return nil
	}, alt))

	// A caller-supplied loop is left open.
	require.NoError(t, alt.Run(nil))
}
