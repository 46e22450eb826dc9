package asyncloop

import (
	"fmt"
	"sync"
	"time"
)

// ioManager is the loop's bookkeeping for I/O watchers: one watcher per
// file descriptor, keyed by the raw fd. The backend only reports readiness;
// callback lookup and one-shot disarming live here, so backends stay
// interchangeable.
type ioManager struct {
	loop *Loop

	mu         sync.Mutex
	watchers   map[int]*IoWatcher
	refPending int // armed watchers that are referenced
}

func newIoManager(loop *Loop) *ioManager {
	return &ioManager{
		loop:     loop,
		watchers: make(map[int]*IoWatcher),
	}
}

// create registers a new watcher for fd. The fd must not already have a
// watcher (ResourceBusyError); the watcher starts disarmed and referenced.
func (m *ioManager) create(fd int, mode IoMode, cb IoCallback) (*IoWatcher, error) {
	if fd < 0 {
		return nil, &LogicError{Message: fmt.Sprintf("asyncloop: invalid fd %d", fd)}
	}
	if cb == nil {
		return nil, &LogicError{Message: "asyncloop: io watcher requires a callback"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[fd]; ok {
		return nil, &ResourceBusyError{FD: fd}
	}
	w := &IoWatcher{loop: m.loop, fd: fd, mode: mode, cb: cb, referenced: true}
	m.watchers[fd] = w
	return w, nil
}

func (m *ioManager) listen(w *IoWatcher, timeout DurationSeconds) error {
	m.mu.Lock()
	if w.freed {
		m.mu.Unlock()
		return &FreedError{}
	}
	if w.pending {
		m.mu.Unlock()
		return &LogicError{Message: fmt.Sprintf("asyncloop: fd %d watcher is already armed", w.fd)}
	}
	events := EventRead
	if w.mode == IoWrite {
		events = EventWrite
	}
	if err := m.loop.backend.Register(w.fd, events); err != nil {
		m.mu.Unlock()
		return &RuntimeFailure{Cause: err, Message: fmt.Sprintf("asyncloop: arming fd %d failed: %v", w.fd, err)}
	}
	w.pending = true
	if timeout > 0 {
		w.deadline = time.Now().Add(durationOf(timeout)).UnixNano()
	} else {
		w.deadline = 0
	}
	if w.referenced {
		m.refPending++
	}
	m.mu.Unlock()

	// A blocked poll must pick up the new registration and deadline.
	_ = m.loop.Wake()
	return nil
}

func (m *ioManager) cancel(w *IoWatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed {
		return &FreedError{}
	}
	m.disarmLocked(w)
	return nil
}

// disarmLocked removes the backend registration and clears pending state.
func (m *ioManager) disarmLocked(w *IoWatcher) {
	if !w.pending {
		return
	}
	_ = m.loop.backend.Unregister(w.fd)
	w.pending = false
	w.deadline = 0
	if w.referenced {
		m.refPending--
	}
}

func (m *ioManager) free(w *IoWatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed {
		return &FreedError{}
	}
	m.disarmLocked(w)
	w.freed = true
	delete(m.watchers, w.fd)
	return nil
}

func (m *ioManager) setReferenced(w *IoWatcher, ref bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed || w.referenced == ref {
		return
	}
	w.referenced = ref
	if w.pending {
		if ref {
			m.refPending++
		} else {
			m.refPending--
		}
	}
}

func (m *ioManager) isPending(w *IoWatcher) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return w.pending
}

// dispatchReady fires the watcher registered for fd with timedOut=false.
// One-shot: the watcher is disarmed before its callback runs, so the
// callback may immediately re-arm. Returns true when a watcher fired.
func (m *ioManager) dispatchReady(fd int) bool {
	m.mu.Lock()
	w, ok := m.watchers[fd]
	if !ok || !w.pending {
		m.mu.Unlock()
		return false
	}
	m.disarmLocked(w)
	cb := w.cb
	m.mu.Unlock()

	m.loop.safeInvoke(func() { cb(w, false) })
	return true
}

// dispatchTimeouts fires every armed watcher whose per-arming deadline has
// passed, with timedOut=true. Returns the number of watchers fired.
func (m *ioManager) dispatchTimeouts(now int64) int {
	m.mu.Lock()
	var expired []*IoWatcher
	for _, w := range m.watchers {
		if w.pending && w.deadline != 0 && w.deadline <= now {
			expired = append(expired, w)
		}
	}
	for _, w := range expired {
		m.disarmLocked(w)
	}
	m.mu.Unlock()

	for _, w := range expired {
		cb := w.cb
		m.loop.safeInvoke(func() { cb(w, true) })
	}
	return len(expired)
}

// nextDeadline returns the earliest per-arming deadline in unix nanos, or 0
// when no armed watcher carries one.
func (m *ioManager) nextDeadline() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest int64
	for _, w := range m.watchers {
		if w.pending && w.deadline != 0 && (earliest == 0 || w.deadline < earliest) {
			earliest = w.deadline
		}
	}
	return earliest
}

func (m *ioManager) referencedPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refPending
}

// clear forcibly disarms and frees every watcher.
func (m *ioManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fd, w := range m.watchers {
		m.disarmLocked(w)
		w.freed = true
		delete(m.watchers, fd)
	}
}

// rearmAll re-registers every armed watcher with the (re-created) backend
// after ReInit.
func (m *ioManager) rearmAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fd, w := range m.watchers {
		if !w.pending {
			continue
		}
		events := EventRead
		if w.mode == IoWrite {
			events = EventWrite
		}
		if err := m.loop.backend.Register(fd, events); err != nil {
			return &RuntimeFailure{Cause: err, Message: fmt.Sprintf("asyncloop: re-arming fd %d failed: %v", fd, err)}
		}
	}
	return nil
}

// durationOf converts facade fractional seconds to a time.Duration.
func durationOf(seconds DurationSeconds) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
