//go:build darwin

package asyncloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the accelerated Darwin backend.
type kqueueBackend struct { // betteralign:ignore
	_        [64]byte // cache line padding //nolint:unused
	kq       int32
	_        [60]byte // pad to cache line //nolint:unused
	eventBuf [256]unix.Kevent_t
	mu       sync.Mutex
	events   map[int]IOEvents // registrations, kept for ReInit
	closed   atomic.Bool
}

func newAcceleratedBackend() (ioBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, &UnsupportedError{Message: "asyncloop: kqueue unavailable: " + err.Error()}
	}
	unix.CloseOnExec(kq)
	return &kqueueBackend{kq: int32(kq), events: make(map[int]IOEvents)}, nil
}

func (b *kqueueBackend) Name() string { return "kqueue" }

func (b *kqueueBackend) Register(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	b.mu.Lock()
	if _, ok := b.events[fd]; ok {
		b.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	b.events[fd] = events
	b.mu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(b.kq), kevents, nil, nil); err != nil {
			b.mu.Lock()
			delete(b.events, fd)
			b.mu.Unlock()
			return err
		}
	}
	return nil
}

func (b *kqueueBackend) Modify(fd int, events IOEvents) error {
	b.mu.Lock()
	old, ok := b.events[fd]
	if !ok {
		b.mu.Unlock()
		return ErrFDNotRegistered
	}
	b.events[fd] = events
	b.mu.Unlock()

	if del := old &^ events; del != 0 {
		if kevents := eventsToKevents(fd, del, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(int(b.kq), kevents, nil, nil) // ignore errors on delete
		}
	}
	if add := events &^ old; add != 0 {
		if kevents := eventsToKevents(fd, add, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(int(b.kq), kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *kqueueBackend) Unregister(fd int) error {
	b.mu.Lock()
	events, ok := b.events[fd]
	if !ok {
		b.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(b.events, fd)
	b.mu.Unlock()

	if kevents := eventsToKevents(fd, events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(int(b.kq), kevents, nil, nil) // ignore errors on delete
	}
	return nil
}

func (b *kqueueBackend) Poll(timeoutMs int, ready func(fd int, events IOEvents)) (int, error) {
	if b.closed.Load() {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(b.kq), nil, b.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ready(int(b.eventBuf[i].Ident), keventToEvents(&b.eventBuf[i]))
	}
	return n, nil
}

// ReInit replaces the kqueue instance. kqueue descriptors are not inherited
// across fork, so the child must create its own.
func (b *kqueueBackend) ReInit() error {
	if b.closed.Load() {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	b.mu.Lock()
	old := int(b.kq)
	b.kq = int32(kq)
	clear(b.events)
	b.mu.Unlock()
	if old > 0 {
		_ = unix.Close(old)
	}
	return nil
}

func (b *kqueueBackend) Close() error {
	b.closed.Store(true)
	if b.kq > 0 {
		return unix.Close(int(b.kq))
	}
	return nil
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
