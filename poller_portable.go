//go:build unix

package asyncloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollBackend is the portable poll(2) fallback, available on every UNIX
// target. It rebuilds the pollfd slice when the registration set changes;
// the rebuild cost is acceptable at the fd counts a fallback serves.
type pollBackend struct {
	mu      sync.Mutex
	events  map[int]IOEvents
	pollfds []unix.PollFd
	dirty   bool
	closed  atomic.Bool
}

func newPollBackend() (ioBackend, error) {
	return &pollBackend{events: make(map[int]IOEvents)}, nil
}

func (b *pollBackend) Name() string { return "poll" }

func (b *pollBackend) Register(fd int, events IOEvents) error {
	if b.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	b.events[fd] = events
	b.dirty = true
	return nil
}

func (b *pollBackend) Modify(fd int, events IOEvents) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[fd]; !ok {
		return ErrFDNotRegistered
	}
	b.events[fd] = events
	b.dirty = true
	return nil
}

func (b *pollBackend) Unregister(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(b.events, fd)
	b.dirty = true
	return nil
}

func (b *pollBackend) rebuildLocked() {
	b.pollfds = b.pollfds[:0]
	for fd, events := range b.events {
		var pe int16
		if events&EventRead != 0 {
			pe |= unix.POLLIN
		}
		if events&EventWrite != 0 {
			pe |= unix.POLLOUT
		}
		b.pollfds = append(b.pollfds, unix.PollFd{Fd: int32(fd), Events: pe})
	}
	b.dirty = false
}

func (b *pollBackend) Poll(timeoutMs int, ready func(fd int, events IOEvents)) (int, error) {
	if b.closed.Load() {
		return 0, ErrPollerClosed
	}

	b.mu.Lock()
	if b.dirty {
		b.rebuildLocked()
	}
	fds := b.pollfds
	b.mu.Unlock()

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for i := range fds {
		re := fds[i].Revents
		if re == 0 {
			continue
		}
		var events IOEvents
		if re&unix.POLLIN != 0 {
			events |= EventRead
		}
		if re&unix.POLLOUT != 0 {
			events |= EventWrite
		}
		if re&unix.POLLERR != 0 {
			events |= EventError
		}
		if re&unix.POLLHUP != 0 {
			events |= EventRead | EventHangup
		}
		if events != 0 {
			ready(int(fds[i].Fd), events)
			dispatched++
		}
		fds[i].Revents = 0
	}
	return dispatched, nil
}

// ReInit drops all registrations; poll(2) keeps no kernel-side state, so
// there is nothing else to re-create after a fork.
func (b *pollBackend) ReInit() error {
	if b.closed.Load() {
		return ErrPollerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.events)
	b.pollfds = b.pollfds[:0]
	b.dirty = false
	return nil
}

func (b *pollBackend) Close() error {
	b.closed.Store(true)
	return nil
}
