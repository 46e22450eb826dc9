//go:build linux

package asyncloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollBackend is the accelerated Linux backend, level-triggered epoll.
type epollBackend struct { // betteralign:ignore
	_        [64]byte // cache line padding //nolint:unused
	epfd     int32
	_        [60]byte // pad to cache line //nolint:unused
	eventBuf [256]unix.EpollEvent
	mu       sync.Mutex
	events   map[int]IOEvents // registrations, kept for ReInit
	closed   atomic.Bool
}

func newAcceleratedBackend() (ioBackend, error) {
	b := &epollBackend{events: make(map[int]IOEvents)}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &UnsupportedError{Message: "asyncloop: epoll unavailable: " + err.Error()}
	}
	b.epfd = int32(epfd)
	return b, nil
}

func (b *epollBackend) Name() string { return "epoll" }

func (b *epollBackend) Register(fd int, events IOEvents) error {
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

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(int(b.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		b.mu.Lock()
		delete(b.events, fd)
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *epollBackend) Modify(fd int, events IOEvents) error {
	b.mu.Lock()
	if _, ok := b.events[fd]; !ok {
		b.mu.Unlock()
		return ErrFDNotRegistered
	}
	b.events[fd] = events
	b.mu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(int(b.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

func (b *epollBackend) Unregister(fd int) error {
	b.mu.Lock()
	if _, ok := b.events[fd]; !ok {
		b.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(b.events, fd)
	b.mu.Unlock()

	return unix.EpollCtl(int(b.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Poll(timeoutMs int, ready func(fd int, events IOEvents)) (int, error) {
	if b.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(int(b.epfd), b.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ready(int(b.eventBuf[i].Fd), epollToEvents(b.eventBuf[i].Events))
	}
	return n, nil
}

// ReInit replaces the epoll instance. A child inherits the parent's epoll
// fd after fork; closing it and creating a fresh one detaches the child
// from the parent's interest list.
func (b *epollBackend) ReInit() error {
	if b.closed.Load() {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := int(b.epfd)
	b.epfd = int32(epfd)
	clear(b.events)
	b.mu.Unlock()
	if old > 0 {
		_ = unix.Close(old)
	}
	return nil
}

func (b *epollBackend) Close() error {
	b.closed.Store(true)
	if b.epfd > 0 {
		return unix.Close(int(b.epfd))
	}
	return nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
