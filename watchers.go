package asyncloop

import (
	"os"
)

// DurationSeconds expresses a delay or interval in fractional seconds, the
// unit used across the loop facade's timer surface.
type DurationSeconds = float64

// IoMode selects the readiness condition an [IoWatcher] waits for.
type IoMode uint8

const (
	// IoRead waits for the descriptor to become readable.
	IoRead IoMode = iota
	// IoWrite waits for the descriptor to become writable.
	IoWrite
)

func (m IoMode) String() string {
	if m == IoWrite {
		return "write"
	}
	return "read"
}

// IoCallback is invoked when an armed [IoWatcher] fires: timedOut is false
// on fd readiness and true when the per-arming timeout elapsed first.
type IoCallback func(w *IoWatcher, timedOut bool)

// IoWatcher is a registration of interest in one file descriptor's
// readiness. The descriptor is borrowed, never owned: closing it is the
// caller's business, and must happen after Free.
//
// Arming is one-shot: the callback fires at most once per Listen, after
// which the watcher is disarmed until the next Listen.
type IoWatcher struct {
	loop *Loop
	fd   int
	mode IoMode
	cb   IoCallback

	// Guarded by loop.io.mu.
	pending    bool
	referenced bool
	freed      bool
	deadline   int64 // unix nanos; 0 = no per-arming timeout
}

// FD returns the watched file descriptor.
func (w *IoWatcher) FD() int { return w.fd }

// Mode returns the readiness condition the watcher waits for.
func (w *IoWatcher) Mode() IoMode { return w.mode }

// Listen arms the watcher for one readiness event. A non-zero timeout
// bounds the wait: if it elapses first the callback fires with
// timedOut=true. Arming an already-armed watcher is a [LogicError]; a
// freed watcher is a [FreedError].
func (w *IoWatcher) Listen(timeout DurationSeconds) error {
	return w.loop.io.listen(w, timeout)
}

// Cancel disarms the watcher without firing its callback. No-op when not
// armed.
func (w *IoWatcher) Cancel() error {
	return w.loop.io.cancel(w)
}

// Free disarms and deregisters the watcher; every subsequent operation on
// it returns a [FreedError].
func (w *IoWatcher) Free() error {
	return w.loop.io.free(w)
}

// Ref marks the watcher as contributing to the loop's not-empty condition
// while armed (the default).
func (w *IoWatcher) Ref() { w.loop.io.setReferenced(w, true) }

// Unref stops the watcher from keeping the loop alive; it still fires when
// ready.
func (w *IoWatcher) Unref() { w.loop.io.setReferenced(w, false) }

// IsPending reports whether the watcher is currently armed.
func (w *IoWatcher) IsPending() bool { return w.loop.io.isPending(w) }

// TimerID identifies a scheduled timer within its loop.
type TimerID uint64

// TimerWatcher is a one-shot or periodic timer. It is armed on creation;
// a periodic timer re-arms itself after each firing at now()+interval, so
// consecutive firings are never closer than the interval and a blocked
// tick produces no catch-up burst.
type TimerWatcher struct {
	loop     *Loop
	id       TimerID
	interval DurationSeconds
	periodic bool
	cb       func()

	// Guarded by loop.timers.mu.
	when       int64 // unix nanos of next expiry
	seq        uint64
	pending    bool
	referenced bool
	freed      bool
}

// ID returns the timer's loop-scoped identifier.
func (w *TimerWatcher) ID() TimerID { return w.id }

// Interval returns the timer's delay (one-shot) or period (periodic).
func (w *TimerWatcher) Interval() DurationSeconds { return w.interval }

// IsPeriodic reports whether the timer re-arms after firing.
func (w *TimerWatcher) IsPeriodic() bool { return w.periodic }

// Start re-arms a stopped timer with its configured interval.
func (w *TimerWatcher) Start() error {
	return w.loop.timers.start(w)
}

// Stop disarms the timer without freeing it; a later Start re-arms.
func (w *TimerWatcher) Stop() error {
	return w.loop.timers.stop(w)
}

// Free disarms and deregisters the timer; subsequent use is a [FreedError].
func (w *TimerWatcher) Free() error {
	return w.loop.timers.free(w)
}

// Ref marks the timer as keeping the loop alive while armed (the default).
func (w *TimerWatcher) Ref() { w.loop.timers.setReferenced(w, true) }

// Unref stops the timer from keeping the loop alive; it still fires.
func (w *TimerWatcher) Unref() { w.loop.timers.setReferenced(w, false) }

// IsPending reports whether the timer is armed.
func (w *TimerWatcher) IsPending() bool { return w.loop.timers.isPending(w) }

// ImmediateWatcher is a callback that runs once the loop has nothing more
// urgent in the current tick (after the deferred queue, signals, timers,
// and I/O dispatch).
type ImmediateWatcher struct {
	loop *Loop
	cb   func()

	// Guarded by loop.immediates.mu.
	pending    bool
	referenced bool
	freed      bool
}

// Free removes the immediate from the queue without running it.
func (w *ImmediateWatcher) Free() error {
	return w.loop.immediates.free(w)
}

// Ref marks the immediate as keeping the loop alive until it runs (the
// default).
func (w *ImmediateWatcher) Ref() { w.loop.immediates.setReferenced(w, true) }

// Unref stops the immediate from keeping the loop alive; it still runs.
func (w *ImmediateWatcher) Unref() { w.loop.immediates.setReferenced(w, false) }

// IsPending reports whether the immediate has not yet run or been freed.
func (w *ImmediateWatcher) IsPending() bool { return w.loop.immediates.isPending(w) }

// SignalWatcher is a registration of interest in one UNIX signal. Multiple
// watchers for the same signal fire in registration order, once per tick
// regardless of how many deliveries were coalesced between ticks.
type SignalWatcher struct {
	loop  *Loop
	signo os.Signal
	cb    func()

	// Guarded by loop.signals.mu.
	referenced bool
	freed      bool
}

// Signal returns the watched signal.
func (w *SignalWatcher) Signal() os.Signal { return w.signo }

// Free deregisters the watcher. The loop's native signal handlers are
// released only once no watcher of any signal remains on the loop; until
// then, deliveries of a signal with no watcher left are ignored.
func (w *SignalWatcher) Free() error {
	return w.loop.signals.free(w)
}

// Ref marks the watcher as keeping the loop alive (the default).
func (w *SignalWatcher) Ref() { w.loop.signals.setReferenced(w, true) }

// Unref stops the watcher from keeping the loop alive; it still fires.
func (w *SignalWatcher) Unref() { w.loop.signals.setReferenced(w, false) }
