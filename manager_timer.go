package asyncloop

import (
	"container/heap"
	"sync"
	"time"
)

// timerEntry is one heap slot. Entries are never removed from the middle of
// the heap: stopping or freeing a timer clears the watcher's sequence, and
// the stale entry is dropped lazily when it surfaces, or when a scavenge
// pass rebuilds the heap.
type timerEntry struct {
	when int64
	seq  uint64
	w    *TimerWatcher
}

type timerHeap []timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timerEntry{}
	*h = old[:n-1]
	return x
}

// timerManager schedules one-shot and periodic timers on a min-heap keyed
// by (expiry, insertion sequence), so simultaneous expiries fire in
// insertion order.
type timerManager struct {
	loop *Loop

	mu         sync.Mutex
	heap       timerHeap
	ids        map[TimerID]*TimerWatcher
	nextID     TimerID
	nextSeq    uint64
	stale      int // heap entries known to be invalidated
	refPending int
}

func newTimerManager(loop *Loop) *timerManager {
	return &timerManager{
		loop:   loop,
		ids:    make(map[TimerID]*TimerWatcher),
		nextID: 1,
	}
}

// schedule creates and arms a timer. One-shot timers free themselves after
// firing; periodic timers stay registered until stopped or freed.
func (m *timerManager) schedule(interval DurationSeconds, periodic bool, cb func()) (*TimerWatcher, error) {
	if cb == nil {
		return nil, &LogicError{Message: "asyncloop: timer requires a callback"}
	}
	if interval < 0 {
		interval = 0
	}
	m.mu.Lock()
	w := &TimerWatcher{
		loop:       m.loop,
		id:         m.nextID,
		interval:   interval,
		periodic:   periodic,
		cb:         cb,
		referenced: true,
	}
	m.nextID++
	m.ids[w.id] = w
	m.armLocked(w, time.Now().Add(durationOf(interval)).UnixNano())
	m.mu.Unlock()

	_ = m.loop.Wake()
	return w, nil
}

// armLocked pushes a fresh heap entry for w and marks it pending.
func (m *timerManager) armLocked(w *TimerWatcher, when int64) {
	m.nextSeq++
	w.when = when
	w.seq = m.nextSeq
	w.pending = true
	heap.Push(&m.heap, timerEntry{when: when, seq: w.seq, w: w})
	if w.referenced {
		m.refPending++
	}
}

// disarmLocked invalidates w's heap entry without touching the heap.
func (m *timerManager) disarmLocked(w *TimerWatcher) {
	if !w.pending {
		return
	}
	w.pending = false
	w.seq = 0
	m.stale++
	if w.referenced {
		m.refPending--
	}
	m.scavengeLocked()
}

// scavengeLocked rebuilds the heap once there are at least 64 stale entries
// and they make up half or more of it, bounding memory under stop-heavy
// workloads.
func (m *timerManager) scavengeLocked() {
	if m.stale < 64 || m.stale*2 < len(m.heap) {
		return
	}
	live := m.heap[:0]
	for _, e := range m.heap {
		if e.w.pending && e.w.seq == e.seq {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(m.heap); i++ {
		m.heap[i] = timerEntry{}
	}
	m.heap = live
	m.stale = 0
	heap.Init(&m.heap)
}

func (m *timerManager) start(w *TimerWatcher) error {
	m.mu.Lock()
	if w.freed {
		m.mu.Unlock()
		return &FreedError{}
	}
	if w.pending {
		m.mu.Unlock()
		return &LogicError{Message: "asyncloop: timer is already armed"}
	}
	m.armLocked(w, time.Now().Add(durationOf(w.interval)).UnixNano())
	m.mu.Unlock()
	_ = m.loop.Wake()
	return nil
}

func (m *timerManager) stop(w *TimerWatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed {
		return &FreedError{}
	}
	m.disarmLocked(w)
	return nil
}

func (m *timerManager) free(w *TimerWatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.freed {
		return &FreedError{}
	}
	m.disarmLocked(w)
	w.freed = true
	delete(m.ids, w.id)
	return nil
}

// cancelID frees the timer with the given id. Unknown ids are a no-op, so
// racing a cancellation against the timer's own firing is harmless.
func (m *timerManager) cancelID(id TimerID) error {
	m.mu.Lock()
	w, ok := m.ids[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.free(w)
}

func (m *timerManager) setReferenced(w *TimerWatcher, ref bool) {
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

func (m *timerManager) isPending(w *TimerWatcher) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return w.pending
}

// nextExpiry returns the earliest live expiry in unix nanos, or 0 when no
// timer is armed.
func (m *timerManager) nextExpiry() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.heap) > 0 {
		e := m.heap[0]
		if e.w.pending && e.w.seq == e.seq {
			return e.when
		}
		heap.Pop(&m.heap)
		if m.stale > 0 {
			m.stale--
		}
	}
	return 0
}

// runDue fires every timer whose expiry is at or before now, in (expiry,
// insertion) order. Periodic timers re-arm afterward relative to the time
// the callback finished, so intervals never compress below the configured
// period. Returns the number of callbacks fired.
func (m *timerManager) runDue(now int64) int {
	fired := 0
	for {
		m.mu.Lock()
		var w *TimerWatcher
		for len(m.heap) > 0 {
			e := m.heap[0]
			if !e.w.pending || e.w.seq != e.seq {
				heap.Pop(&m.heap)
				if m.stale > 0 {
					m.stale--
				}
				continue
			}
			if e.when > now {
				break
			}
			heap.Pop(&m.heap)
			w = e.w
			break
		}
		if w == nil {
			m.mu.Unlock()
			return fired
		}
		// The entry is consumed: the watcher is disarmed for the duration
		// of its callback.
		w.pending = false
		w.seq = 0
		if w.referenced {
			m.refPending--
		}
		cb := w.cb
		m.mu.Unlock()

		m.loop.safeInvoke(cb)
		fired++

		m.mu.Lock()
		if w.periodic {
			// Re-arm unless the callback stopped or freed it.
			if !w.freed && !w.pending {
				m.armLocked(w, time.Now().Add(durationOf(w.interval)).UnixNano())
			}
		} else if !w.freed && !w.pending {
			// One-shot timers are reaped once fired.
			w.freed = true
			delete(m.ids, w.id)
		}
		m.mu.Unlock()
	}
}

func (m *timerManager) referencedPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refPending
}

func (m *timerManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.ids {
		m.disarmLocked(w)
		w.freed = true
		delete(m.ids, id)
	}
	m.heap = nil
	m.stale = 0
}
