package asyncloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortControllerBasics(t *testing.T) {
	controller := NewAbortController()
	sig := controller.Signal()

	assert.False(t, sig.Aborted())
	assert.NoError(t, sig.Err())

	reason := errors.New("user cancelled")
	var seen error
	sig.OnAbort(func(r error) { seen = r })

	controller.Abort(reason)
	assert.True(t, sig.Aborted())
	require.ErrorIs(t, sig.Reason(), reason)
	require.ErrorIs(t, seen, reason)

	var aerr *AbortError
	require.ErrorAs(t, sig.Err(), &aerr)
	require.ErrorIs(t, sig.Err(), reason)

	// Aborting again keeps the original reason.
	controller.Abort(errors.New("second"))
	require.ErrorIs(t, sig.Reason(), reason)
}

func TestAbortDefaultReason(t *testing.T) {
	controller := NewAbortController()
	controller.Abort(nil)
	var cerr *CancellationError
	require.ErrorAs(t, controller.Signal().Reason(), &cerr)
}

func TestAbortHandlerAfterAbortRunsImmediately(t *testing.T) {
	controller := NewAbortController()
	controller.Abort(errors.New("done"))

	ran := false
	controller.Signal().OnAbort(func(error) { ran = true })
	assert.True(t, ran)
}

func TestAbortOnCancelsAwaitable(t *testing.T) {
	loop := mustLoop(t)

	controller := NewAbortController()
	var cancelReason error
	a := NewAwaitable(loop, nil, func(reason error) { cancelReason = reason })
	a.AbortOn(controller.Signal())

	reason := errors.New("abort it")
	controller.Abort(reason)

	require.NoError(t, loop.Run(nil))
	require.True(t, a.IsRejected())
	require.ErrorIs(t, cancelReason, reason)
}

func TestAbortOnSettledAwaitableNoop(t *testing.T) {
	loop := mustLoop(t)

	controller := NewAbortController()
	a := loop.Resolve("ok")
	a.AbortOn(controller.Signal())
	controller.Abort(errors.New("too late"))

	require.NoError(t, loop.Run(nil))
	require.True(t, a.IsFulfilled())
}

func TestAbortTimeout(t *testing.T) {
	loop := mustLoop(t)

	controller, err := AbortTimeout(loop, 0.02)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, loop.Run(nil))

	assert.True(t, controller.Signal().Aborted())
	var terr *TimeoutError
	require.ErrorAs(t, controller.Signal().Reason(), &terr)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAbortAny(t *testing.T) {
	c1 := NewAbortController()
	c2 := NewAbortController()

	combined := AbortAny([]*AbortSignal{c1.Signal(), c2.Signal()})
	assert.False(t, combined.Aborted())

	reason := errors.New("first")
	c1.Abort(reason)
	assert.True(t, combined.Aborted())
	require.ErrorIs(t, combined.Reason(), reason)

	c2.Abort(errors.New("second"))
	require.ErrorIs(t, combined.Reason(), reason)
}

func TestAbortAnyAlreadyAborted(t *testing.T) {
	c := NewAbortController()
	reason := errors.New("pre-aborted")
	c.Abort(reason)

	combined := AbortAny([]*AbortSignal{c.Signal()})
	assert.True(t, combined.Aborted())
	require.ErrorIs(t, combined.Reason(), reason)
}

func TestAbortAnyEmptyNeverAborts(t *testing.T) {
	combined := AbortAny(nil)
	assert.False(t, combined.Aborted())
}
