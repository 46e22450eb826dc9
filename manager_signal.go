package asyncloop

import (
	"os"
	"os/signal"
	"sync"
)

// signalManager delivers UNIX signals into the tick. A single forwarding
// goroutine owns the os/signal channel, marks delivered signos pending, and
// wakes the loop; tick step 2 drains the pending set, so any number of
// deliveries between ticks collapses into one callback invocation per
// watcher per tick.
type signalManager struct {
	loop    *Loop
	enabled bool

	mu       sync.Mutex
	watchers map[os.Signal][]*SignalWatcher
	order    []os.Signal // signo registration order, for deterministic dispatch
	pending  map[os.Signal]bool
	ch       chan os.Signal
	stopCh   chan struct{}
	started  bool
	refCount int
}

func newSignalManager(loop *Loop, enabled bool) *signalManager {
	return &signalManager{
		loop:     loop,
		enabled:  enabled,
		watchers: make(map[os.Signal][]*SignalWatcher),
		pending:  make(map[os.Signal]bool),
	}
}

// create registers a watcher for signo, lazily installing the native
// handler on first use. Loops constructed with signal handling disabled
// refuse with an UnsupportedError.
func (m *signalManager) create(signo os.Signal, cb func()) (*SignalWatcher, error) {
	if !m.enabled {
		return nil, &UnsupportedError{Message: "asyncloop: signal handling is disabled on this loop"}
	}
	if cb == nil {
		return nil, &LogicError{Message: "asyncloop: signal watcher requires a callback"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		m.ch = make(chan os.Signal, 64)
		m.stopCh = make(chan struct{})
		m.started = true
		go m.forward(m.ch, m.stopCh)
	}
	if _, ok := m.watchers[signo]; !ok {
		m.order = append(m.order, signo)
	}
	signal.Notify(m.ch, signo)

	w := &SignalWatcher{loop: m.loop, signo: signo, cb: cb, referenced: true}
	m.watchers[signo] = append(m.watchers[signo], w)
	m.refCount++
	return w, nil
}

// forward runs until the manager shuts down, translating channel
// deliveries into pending marks plus a loop wake.
func (m *signalManager) forward(ch chan os.Signal, stopCh chan struct{}) {
	for {
		select {
		case sig := <-ch:
			m.mu.Lock()
			m.pending[sig] = true
			m.mu.Unlock()
			_ = m.loop.Wake()
		case <-stopCh:
			return
		}
	}
}

func (m *signalManager) free(w *SignalWatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed {
		return &FreedError{}
	}
	w.freed = true
	if w.referenced {
		m.refCount--
	}
	list := m.watchers[w.signo]
	for i, o := range list {
		if o == w {
			m.watchers[w.signo] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.watchers[w.signo]) == 0 {
		delete(m.watchers, w.signo)
		for i, s := range m.order {
			if s == w.signo {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	if len(m.watchers) == 0 && m.started {
		signal.Stop(m.ch)
	}
	return nil
}

func (m *signalManager) setReferenced(w *SignalWatcher, ref bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed || w.referenced == ref {
		return
	}
	w.referenced = ref
	if ref {
		m.refCount++
	} else {
		m.refCount--
	}
}

// dispatch fires the watchers of every signo delivered since the previous
// tick, in signo registration order, each watcher list in its own
// registration order. Returns the number of callbacks fired.
func (m *signalManager) dispatch() int {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return 0
	}
	var batches [][]*SignalWatcher
	for _, signo := range m.order {
		if !m.pending[signo] {
			continue
		}
		list := m.watchers[signo]
		batch := make([]*SignalWatcher, len(list))
		copy(batch, list)
		batches = append(batches, batch)
	}
	clear(m.pending)
	m.mu.Unlock()

	fired := 0
	for _, batch := range batches {
		for _, w := range batch {
			m.mu.Lock()
			freed := w.freed
			cb := w.cb
			m.mu.Unlock()
			if freed {
				continue
			}
			m.loop.safeInvoke(cb)
			fired++
		}
	}
	return fired
}

func (m *signalManager) referencedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCount
}

func (m *signalManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for signo, list := range m.watchers {
		for _, w := range list {
			w.freed = true
		}
		delete(m.watchers, signo)
	}
	m.order = nil
	m.refCount = 0
	clear(m.pending)
	if m.started {
		signal.Stop(m.ch)
	}
}

// reinit re-registers the native handlers after a fork, preserving watcher
// state.
func (m *signalManager) reinit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || len(m.watchers) == 0 {
		return
	}
	for signo := range m.watchers {
		signal.Notify(m.ch, signo)
	}
}

// shutdown stops the forwarding goroutine and releases the native
// handlers.
func (m *signalManager) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	signal.Stop(m.ch)
	close(m.stopCh)
	m.started = false
}
