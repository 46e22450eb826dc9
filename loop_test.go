package asyncloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunEmptyReturnsImmediately(t *testing.T) {
	loop := mustLoop(t)
	start := time.Now()
	require.NoError(t, loop.Run(nil))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoopTickNonBlockingWhenEmpty(t *testing.T) {
	loop := mustLoop(t)
	start := time.Now()
	require.NoError(t, loop.Tick(false))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, loop.IsEmpty())
}

func TestLoopTimerFiresOnceAndLoopExits(t *testing.T) {
	loop := mustLoop(t)

	fired := 0
	start := time.Now()
	_, err := loop.Timer(0.05, func() { fired++ })
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	assert.Equal(t, 1, fired)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, loop.IsEmpty())
}

func TestLoopPeriodicStopAfterFive(t *testing.T) {
	loop := mustLoop(t)

	fired := 0
	w, err := loop.Periodic(0.01, func() {
		fired++
		if fired == 5 {
			loop.Stop()
		}
	})
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	assert.Equal(t, 5, fired)
	require.NoError(t, w.Free())
}

func TestLoopPeriodicNoDriftCompression(t *testing.T) {
	loop := mustLoop(t)

	var stamps []time.Time
	_, err := loop.Periodic(0.01, func() {
		stamps = append(stamps, time.Now())
		if len(stamps) == 5 {
			loop.Stop()
		}
	})
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	require.Len(t, stamps, 5)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 9*time.Millisecond, "firing %d compressed the interval", i)
	}
}

func TestLoopTimersFireInExpiryThenInsertionOrder(t *testing.T) {
	loop := mustLoop(t)

	var order []string
	_, err := loop.Timer(0.02, func() { order = append(order, "late") })
	require.NoError(t, err)
	_, err = loop.Timer(0.005, func() { order = append(order, "early-1") })
	require.NoError(t, err)
	_, err = loop.Timer(0.005, func() { order = append(order, "early-2") })
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	assert.Equal(t, []string{"early-1", "early-2", "late"}, order)
}

func TestLoopTimerStopStart(t *testing.T) {
	loop := mustLoop(t)

	fired := 0
	w, err := loop.Periodic(0.005, func() {
		fired++
		loop.Stop()
	})
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	assert.Equal(t, 1, fired)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsPending())
	require.NoError(t, loop.Run(nil), "a stopped timer does not keep the loop alive")
	assert.Equal(t, 1, fired)

	require.NoError(t, w.Start())
	assert.True(t, w.IsPending())
	require.NoError(t, loop.Run(nil))
	assert.Equal(t, 2, fired)

	require.NoError(t, w.Free())
	require.ErrorAs(t, w.Start(), new(*FreedError))
}

func TestLoopQueueFIFO(t *testing.T) {
	loop := mustLoop(t)

	var order []int
	for i := 1; i <= 4; i++ {
		n := i
		loop.Queue(func() { order = append(order, n) })
	}
	require.NoError(t, loop.Run(nil))
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestLoopMaxQueueDepthBudget(t *testing.T) {
	loop := mustLoop(t, WithMaxQueueDepth(2))

	ran := 0
	for i := 0; i < 5; i++ {
		loop.Queue(func() { ran++ })
	}

	require.NoError(t, loop.Tick(false))
	assert.Equal(t, 2, ran, "one tick drains at most the budget")
	require.NoError(t, loop.Tick(false))
	assert.Equal(t, 4, ran)
	require.NoError(t, loop.Tick(false))
	assert.Equal(t, 5, ran)

	prev := loop.MaxQueueDepth(0)
	assert.Equal(t, 2, prev)
}

func TestLoopQueueSurvivesStop(t *testing.T) {
	loop := mustLoop(t)

	ran := false
	loop.Queue(func() { loop.Stop() })
	loop.Queue(func() { ran = true })

	// MaxQueueDepth(1) makes the second callback spill to the next tick,
	// which Stop prevents from happening in this Run.
	loop.MaxQueueDepth(1)
	require.NoError(t, loop.Run(nil))
	assert.False(t, ran)

	require.NoError(t, loop.Run(nil))
	assert.True(t, ran, "the deferred queue drains on the next run")
}

func TestLoopImmediateRunsWhenIdle(t *testing.T) {
	loop := mustLoop(t)

	ran := false
	_, err := loop.Immediate(func() { ran = true })
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	assert.True(t, ran)
}

func TestLoopImmediateSnapshotAfterEvents(t *testing.T) {
	loop := mustLoop(t)

	var order []string
	_, err := loop.Timer(0.005, func() {
		order = append(order, "timer")
		_, _ = loop.Immediate(func() {
			order = append(order, "imm-1")
			// Scheduled during step 5 of a tick that saw a timer fire:
			// waits for the next tick instead of draining inline.
			_, _ = loop.Immediate(func() { order = append(order, "imm-2") })
		})
	})
	require.NoError(t, err)

	require.NoError(t, loop.Run(nil))
	assert.Equal(t, []string{"timer", "imm-1", "imm-2"}, order)
}

func TestLoopImmediateFree(t *testing.T) {
	loop := mustLoop(t)

	ran := false
	w, err := loop.Immediate(func() { ran = true })
	require.NoError(t, err)
	require.NoError(t, w.Free())
	require.ErrorAs(t, w.Free(), new(*FreedError))

	require.NoError(t, loop.Run(nil))
	assert.False(t, ran)
}

func TestLoopUnreferencedWatcherDoesNotHoldLoop(t *testing.T) {
	loop := mustLoop(t)

	w, err := loop.Timer(10, func() {})
	require.NoError(t, err)
	w.Unref()

	start := time.Now()
	require.NoError(t, loop.Run(nil))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, loop.IsEmpty())

	w.Ref()
	assert.False(t, loop.IsEmpty())
	require.NoError(t, w.Free())
}

func TestLoopClearRemovesEverything(t *testing.T) {
	loop := mustLoop(t)

	_, err := loop.Timer(10, func() {})
	require.NoError(t, err)
	_, err = loop.Immediate(func() {})
	require.NoError(t, err)
	require.False(t, loop.IsEmpty())

	loop.Clear()
	assert.True(t, loop.IsEmpty())
	start := time.Now()
	require.NoError(t, loop.Run(nil))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoopRunReentrantRejected(t *testing.T) {
	loop := mustLoop(t)

	var inner error
	loop.Queue(func() {
		inner = loop.Run(nil)
	})
	require.NoError(t, loop.Run(nil))
	require.ErrorAs(t, inner, new(*RunningError))
}

func TestLoopTickWhileRunningRejected(t *testing.T) {
	loop := mustLoop(t)

	var inner error
	loop.Queue(func() {
		inner = loop.Tick(false)
	})
	require.NoError(t, loop.Run(nil))
	require.ErrorAs(t, inner, new(*RunningError))
}

func TestLoopRunContextCancellation(t *testing.T) {
	loop := mustLoop(t)

	_, err := loop.Periodic(0.005, func() {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = loop.RunContext(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopStopFromOtherGoroutine(t *testing.T) {
	loop := mustLoop(t)

	_, err := loop.Periodic(3600, func() {})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(nil) }()

	require.Eventually(t, loop.IsRunning, time.Second, time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not interrupt the blocked poll")
	}
}

func TestLoopSubmitFromOtherGoroutine(t *testing.T) {
	loop := mustLoop(t)

	_, err := loop.Periodic(3600, func() {})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(nil) }()
	require.Eventually(t, loop.IsRunning, time.Second, time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		close(ran)
		loop.Stop()
	}))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not wake the blocked poll")
	}
	require.NoError(t, <-done)
}

func TestLoopCallbackPanicDoesNotPoisonLoop(t *testing.T) {
	var reports []*UncaughtError
	loop := mustLoop(t, WithUncaughtHandler(func(e *UncaughtError) {
		reports = append(reports, e)
	}))

	after := false
	loop.Queue(func() { panic("bad callback") })
	loop.Queue(func() { after = true })

	require.NoError(t, loop.Run(nil))
	assert.True(t, after, "the tick continues past a panicking callback")
	require.Len(t, reports, 1)
	var perr *PanicError
	require.ErrorAs(t, reports[0], &perr)
}

func TestLoopRunInitCallback(t *testing.T) {
	loop := mustLoop(t)

	ran := false
	require.NoError(t, loop.Run(func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopCloseTerminates(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	require.NoError(t, loop.Close())
	require.ErrorIs(t, loop.Close(), ErrLoopTerminated)
	require.ErrorIs(t, loop.Run(nil), ErrLoopTerminated)
	require.ErrorIs(t, loop.Tick(false), ErrLoopTerminated)
	require.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
}

func TestLoopReInitKeepsTimers(t *testing.T) {
	loop := mustLoop(t)

	fired := false
	_, err := loop.Timer(0.02, func() { fired = true })
	require.NoError(t, err)

	require.NoError(t, loop.ReInit())
	require.NoError(t, loop.Run(nil))
	assert.True(t, fired)
}

func TestLoopCancelTimerById(t *testing.T) {
	loop := mustLoop(t)

	fired := false
	id, err := loop.ScheduleTimer(0.01, false, func() { fired = true })
	require.NoError(t, err)
	require.NoError(t, loop.CancelTimer(id))
	require.NoError(t, loop.CancelTimer(id), "cancelling twice is a no-op")

	require.NoError(t, loop.Run(nil))
	assert.False(t, fired)
}

func TestLoopUncaughtStopsRunWithError(t *testing.T) {
	loop := mustLoop(t)

	boom := errors.New("boom")
	_, err := loop.Timer(0.005, func() {
		loop.Reject(boom).Done(nil, nil)
	})
	require.NoError(t, err)
	_, err = loop.Periodic(3600, func() {})
	require.NoError(t, err)

	runErr := loop.Run(nil)
	require.ErrorIs(t, runErr, boom)
}
