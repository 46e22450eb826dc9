package asyncloop

import (
	"os"
	"sync"
)

// The process-wide default loop: one per process, created on first use,
// replaceable while not running. Tests that touch the facade should swap
// in their own loop and restore it (see With).
var defaultState struct {
	mu   sync.Mutex
	loop *Loop
}

// Default returns the process-wide default loop, creating it with default
// options on first use.
func Default() (*Loop, error) {
	defaultState.mu.Lock()
	defer defaultState.mu.Unlock()
	return defaultLocked()
}

func defaultLocked() (*Loop, error) {
	if defaultState.loop == nil {
		l, err := New()
		if err != nil {
			return nil, err
		}
		defaultState.loop = l
	}
	return defaultState.loop, nil
}

// SetDefault replaces the default loop and returns the previous one (nil
// when none existed). Replacing a running loop is refused with a
// [RunningError]. A nil replacement clears the slot, so the next facade
// call creates a fresh loop.
func SetDefault(l *Loop) (*Loop, error) {
	defaultState.mu.Lock()
	defer defaultState.mu.Unlock()
	prev := defaultState.loop
	if prev != nil && prev.IsRunning() {
		return nil, &RunningError{}
	}
	defaultState.loop = l
	return prev, nil
}

// With runs worker under alt as the default loop (a fresh loop when alt is
// nil), restoring the previous default before returning, even when worker
// errors. A fresh loop created here is closed on the way out; a
// caller-supplied alt is left open.
func With(worker func(l *Loop) error, alt *Loop) error {
	owned := false
	if alt == nil {
		l, err := New()
		if err != nil {
			return err
		}
		alt = l
		owned = true
	}
	prev, err := SetDefault(alt)
	if err != nil {
		if owned {
			_ = alt.Close()
		}
		return err
	}
	defer func() {
		defaultState.mu.Lock()
		defaultState.loop = prev
		defaultState.mu.Unlock()
		if owned {
			_ = alt.Close()
		}
	}()
	return worker(alt)
}

// current returns the default loop when one exists, without creating it.
func current() *Loop {
	defaultState.mu.Lock()
	defer defaultState.mu.Unlock()
	return defaultState.loop
}

// --- free-function facade, forwarding to the default loop ---------------

// Poll creates a readable-readiness watcher on the default loop.
func Poll(fd int, cb IoCallback) (*IoWatcher, error) {
	l, err := Default()
	if err != nil {
		return nil, err
	}
	return l.Poll(fd, cb)
}

// Await creates a writable-readiness watcher on the default loop.
func Await(fd int, cb IoCallback) (*IoWatcher, error) {
	l, err := Default()
	if err != nil {
		return nil, err
	}
	return l.Await(fd, cb)
}

// Timer schedules a one-shot timer on the default loop.
func Timer(seconds DurationSeconds, cb func()) (*TimerWatcher, error) {
	l, err := Default()
	if err != nil {
		return nil, err
	}
	return l.Timer(seconds, cb)
}

// Periodic schedules a recurring timer on the default loop.
func Periodic(seconds DurationSeconds, cb func()) (*TimerWatcher, error) {
	l, err := Default()
	if err != nil {
		return nil, err
	}
	return l.Periodic(seconds, cb)
}

// Immediate schedules an idle callback on the default loop.
func Immediate(cb func()) (*ImmediateWatcher, error) {
	l, err := Default()
	if err != nil {
		return nil, err
	}
	return l.Immediate(cb)
}

// Signal registers a UNIX signal watcher on the default loop.
func Signal(signo os.Signal, cb func()) (*SignalWatcher, error) {
	l, err := Default()
	if err != nil {
		return nil, err
	}
	return l.Signal(signo, cb)
}

// Queue enqueues a deferred callback on the default loop.
func Queue(cb func()) error {
	l, err := Default()
	if err != nil {
		return err
	}
	l.Queue(cb)
	return nil
}

// MaxQueueDepth sets the default loop's per-tick deferred budget and
// returns the previous value.
func MaxQueueDepth(n int) (int, error) {
	l, err := Default()
	if err != nil {
		return 0, err
	}
	return l.MaxQueueDepth(n), nil
}

// Tick performs one tick of the default loop.
func Tick(blocking bool) error {
	l, err := Default()
	if err != nil {
		return err
	}
	return l.Tick(blocking)
}

// Run drives the default loop until empty or stopped.
func Run(init func()) error {
	l, err := Default()
	if err != nil {
		return err
	}
	return l.Run(init)
}

// Stop stops the default loop; no-op when none exists.
func Stop() {
	if l := current(); l != nil {
		l.Stop()
	}
}

// IsRunning reports whether the default loop is running.
func IsRunning() bool {
	l := current()
	return l != nil && l.IsRunning()
}

// IsEmpty reports whether the default loop has nothing keeping it alive; a
// loop that does not exist yet is empty.
func IsEmpty() bool {
	l := current()
	return l == nil || l.IsEmpty()
}

// Clear removes every watcher from the default loop; no-op when none
// exists.
func Clear() {
	if l := current(); l != nil {
		l.Clear()
	}
}

// ReInit re-creates the default loop's backend state after a fork.
func ReInit() error {
	l, err := Default()
	if err != nil {
		return err
	}
	return l.ReInit()
}

// SignalHandlingEnabled reports whether the default loop installs UNIX
// signal handlers.
func SignalHandlingEnabled() bool {
	l, err := Default()
	if err != nil {
		return false
	}
	return l.SignalHandlingEnabled()
}
