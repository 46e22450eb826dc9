package asyncloop

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrLoopTerminated is returned when operations are attempted on a
	// closed loop.
	ErrLoopTerminated = errors.New("asyncloop: loop has been terminated")
)

// Loop is the reactor: it owns one manager per watcher kind, a deferred
// callback queue, and a pluggable I/O backend, and multiplexes all of them
// over a single goroutine.
//
// A tick runs five steps in strict order: drain the deferred queue (up to
// the MaxQueueDepth budget), dispatch signals delivered since the previous
// tick, run expired timers, poll the I/O backend, then run immediates.
// Run repeats ticks until IsEmpty or Stop.
//
// Exactly one goroutine drives the loop at a time; watcher callbacks,
// deferred callbacks, and awaitable continuations are mutually
// non-reentrant. Queue, Submit, Stop, and Wake are safe from any
// goroutine and interrupt a blocked poll through an eventfd/pipe wake
// mechanism.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	id    uint64
	state *fastState

	// Deferred callback queue; deferredMu makes the state check and the
	// push atomic with respect to Close.
	deferredMu sync.Mutex
	deferred   *taskQueue

	io         *ioManager
	timers     *timerManager
	immediates *immediateManager
	signals    *signalManager

	backend ioBackend

	// Wake-up mechanism (eventfd on Linux, pipe elsewhere).
	wakeRead    int
	wakeWrite   int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	depth atomic.Int64 // max deferred callbacks per tick; 0 = unlimited

	stopped         atomic.Bool
	loopGoroutineID atomic.Uint64
	tickCount       uint64

	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	uncaughtMu      sync.Mutex
	uncaughtHandler func(*UncaughtError)
	fatal           error

	closeOnce sync.Once
}

var loopIDCounter atomic.Uint64

// New creates a loop with the platform's preferred I/O backend. See
// [LoopOption] for configuration.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	backend, err := newIOBackend(cfg.backend)
	if err != nil {
		return nil, err
	}

	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = backend.Close()
		return nil, &RuntimeFailure{Cause: err, Message: "asyncloop: creating wake fd failed: " + err.Error()}
	}

	l := &Loop{
		id:              loopIDCounter.Add(1),
		state:           newFastState(),
		deferred:        newTaskQueue(),
		backend:         backend,
		wakeRead:        wakeRead,
		wakeWrite:       wakeWrite,
		logger:          cfg.logger,
		limiter:         newReportLimiter(),
		uncaughtHandler: cfg.uncaughtHandler,
	}
	l.depth.Store(int64(cfg.maxQueueDepth))
	l.io = newIoManager(l)
	l.timers = newTimerManager(l)
	l.immediates = newImmediateManager(l)
	l.signals = newSignalManager(l, cfg.signalHandling)

	if err := backend.Register(wakeRead, EventRead); err != nil {
		_ = backend.Close()
		closeWakeFd(wakeRead, wakeWrite)
		return nil, &RuntimeFailure{Cause: err, Message: "asyncloop: registering wake fd failed: " + err.Error()}
	}

	return l, nil
}

// --- lifecycle ----------------------------------------------------------

// Run drives ticks until the loop is empty or stopped. init, when non-nil,
// is enqueued on the deferred queue before the first tick, so it runs
// under the loop even when the loop would otherwise be empty.
//
// Run returns a [RunningError] when the loop is already being driven, and
// the fatal error when an uncaught rejection terminates the loop.
func (l *Loop) Run(init func()) error {
	return l.RunContext(context.Background(), init)
}

// RunContext is [Loop.Run] bounded by ctx: cancellation stops the loop at
// the next tick boundary and RunContext returns ctx's error.
func (l *Loop) RunContext(ctx context.Context, init func()) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.end()

	l.stopped.Store(false)
	if init != nil {
		l.Queue(init)
	}

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.stopped.Store(true)
			_ = l.Wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.stopped.Load() {
			return nil
		}
		if l.IsEmpty() {
			return nil
		}
		l.tickOnce(true)
		if err := l.takeFatal(); err != nil {
			return err
		}
	}
}

// Tick performs exactly one tick. With blocking=false the I/O poll returns
// without waiting, so a Tick on an empty loop is prompt. Returns a
// [RunningError] when the loop is already being driven (including
// re-entrantly, from inside a callback).
func (l *Loop) Tick(blocking bool) error {
	if err := l.begin(); err != nil {
		return err
	}
	defer l.end()

	l.tickOnce(blocking)
	return l.takeFatal()
}

// begin claims the loop for the calling goroutine.
func (l *Loop) begin() error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return &RunningError{}
	}
	l.loopGoroutineID.Store(getGoroutineID())
	return nil
}

func (l *Loop) end() {
	l.loopGoroutineID.Store(0)
	l.state.TryTransition(StateRunning, StateAwake)
}

// Stop makes Run return after the current tick. The deferred queue and all
// watchers survive; a later Run picks up where the loop left off.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	_ = l.Wake()
}

// IsRunning reports whether a Run or Tick is currently driving the loop.
func (l *Loop) IsRunning() bool {
	return l.state.IsRunning()
}

// IsEmpty reports whether nothing keeps the loop alive: no queued deferred
// callback and no referenced pending watcher. Unreferenced watchers still
// fire when ready but do not count.
func (l *Loop) IsEmpty() bool {
	l.deferredMu.Lock()
	queued := l.deferred.len()
	l.deferredMu.Unlock()
	if queued > 0 {
		return false
	}
	return l.io.referencedPending() == 0 &&
		l.timers.referencedPending() == 0 &&
		l.immediates.referencedPending() == 0 &&
		l.signals.referencedCount() == 0
}

// Clear forcibly removes every watcher from every manager. Queued deferred
// callbacks are untouched.
func (l *Loop) Clear() {
	l.io.clear()
	l.timers.clear()
	l.immediates.clear()
	l.signals.clear()
}

// ReInit re-creates backend-internal state after a process fork: the
// polling instance and the wake fd are replaced (both are shared with the
// parent otherwise), armed watchers are re-registered, and native signal
// handlers are reinstalled. User-visible watcher state is preserved.
func (l *Loop) ReInit() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	oldRead, oldWrite := l.wakeRead, l.wakeWrite
	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		return &RuntimeFailure{Cause: err, Message: "asyncloop: re-creating wake fd failed: " + err.Error()}
	}

	if err := l.backend.ReInit(); err != nil {
		closeWakeFd(wakeRead, wakeWrite)
		return &RuntimeFailure{Cause: err, Message: "asyncloop: backend re-init failed: " + err.Error()}
	}
	l.wakeRead, l.wakeWrite = wakeRead, wakeWrite
	closeWakeFd(oldRead, oldWrite)
	l.wakePending.Store(0)

	if err := l.backend.Register(l.wakeRead, EventRead); err != nil {
		return &RuntimeFailure{Cause: err, Message: "asyncloop: re-registering wake fd failed: " + err.Error()}
	}
	if err := l.io.rearmAll(); err != nil {
		return err
	}
	l.signals.reinit()
	return nil
}

// Close terminates the loop: the backend and wake fds are released, all
// watchers are removed, and every subsequent lifecycle call reports
// ErrLoopTerminated. Close does not drain the deferred queue.
func (l *Loop) Close() error {
	err := ErrLoopTerminated
	l.closeOnce.Do(func() {
		l.state.Store(StateTerminated)
		l.signals.shutdown()
		l.Clear()
		l.deferredMu.Lock()
		l.deferred.clear()
		l.deferredMu.Unlock()
		_ = l.backend.Close()
		closeWakeFd(l.wakeRead, l.wakeWrite)
		l.wakeRead, l.wakeWrite = -1, -1
		err = nil
	})
	return err
}

// --- deferred queue -----------------------------------------------------

// Queue enqueues a callback on the deferred queue, to run at the start of
// the next tick (or later, when the tick budget is exhausted). Safe from
// any goroutine; on a terminated loop the callback is dropped with a
// debug report.
func (l *Loop) Queue(fn func()) {
	if fn == nil {
		return
	}
	if l.Submit(fn) != nil {
		l.logDebug("deferred callback dropped: loop terminated")
	}
}

// Submit is Queue with an error result: ErrLoopTerminated when the loop
// has been closed. It is the entry point for other goroutines (the
// Promisify worker, abort handlers) and wakes a blocked poll.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return &LogicError{Message: "asyncloop: Submit requires a callback"}
	}
	l.deferredMu.Lock()
	if l.state.Load() == StateTerminated {
		l.deferredMu.Unlock()
		return ErrLoopTerminated
	}
	l.deferred.push(fn)
	l.deferredMu.Unlock()

	if !l.isLoopThread() {
		_ = l.Wake()
	}
	return nil
}

// MaxQueueDepth sets how many deferred callbacks one tick may drain
// (0 = unlimited) and returns the previous bound.
func (l *Loop) MaxQueueDepth(n int) int {
	if n < 0 {
		n = 0
	}
	return int(l.depth.Swap(int64(n)))
}

// --- watcher facade -----------------------------------------------------

// Poll creates a readable-readiness watcher for fd. The watcher starts
// disarmed; arm it with [IoWatcher.Listen].
func (l *Loop) Poll(fd int, cb IoCallback) (*IoWatcher, error) {
	return l.io.create(fd, IoRead, cb)
}

// Await creates a writable-readiness watcher for fd. The watcher starts
// disarmed; arm it with [IoWatcher.Listen].
func (l *Loop) Await(fd int, cb IoCallback) (*IoWatcher, error) {
	return l.io.create(fd, IoWrite, cb)
}

// Timer schedules cb to run once after the given delay.
func (l *Loop) Timer(seconds DurationSeconds, cb func()) (*TimerWatcher, error) {
	return l.timers.schedule(seconds, false, cb)
}

// Periodic schedules cb to run repeatedly, re-arming after each run at
// now()+interval: firings are never closer than the interval apart and
// there is no catch-up burst after a blocked tick.
func (l *Loop) Periodic(seconds DurationSeconds, cb func()) (*TimerWatcher, error) {
	return l.timers.schedule(seconds, true, cb)
}

// Immediate schedules cb to run when the loop has dispatched everything
// else the current tick had to offer.
func (l *Loop) Immediate(cb func()) (*ImmediateWatcher, error) {
	return l.immediates.create(cb)
}

// Signal registers cb for a UNIX signal. Watchers for the same signal fire
// in registration order, at most once per tick per watcher. Returns an
// [UnsupportedError] when the loop was constructed with
// WithSignalHandling(false).
func (l *Loop) Signal(signo os.Signal, cb func()) (*SignalWatcher, error) {
	return l.signals.create(signo, cb)
}

// SignalHandlingEnabled reports whether this loop installs UNIX signal
// handlers.
func (l *Loop) SignalHandlingEnabled() bool {
	return l.signals.enabled
}

// ScheduleTimer is the id-based timer surface used by the awaitable
// adapters: it arms a timer and returns its id for a later CancelTimer.
func (l *Loop) ScheduleTimer(seconds DurationSeconds, periodic bool, cb func()) (TimerID, error) {
	w, err := l.timers.schedule(seconds, periodic, cb)
	if err != nil {
		return 0, err
	}
	return w.id, nil
}

// CancelTimer frees the timer with the given id. Unknown ids (a timer that
// already fired) are a no-op.
func (l *Loop) CancelTimer(id TimerID) error {
	return l.timers.cancelID(id)
}

// --- tick ---------------------------------------------------------------

// tickOnce is one pass over the loop's queues, in the order the runtime
// guarantees: deferred queue, signals, timers, I/O poll, immediates.
func (l *Loop) tickOnce(blocking bool) {
	l.tickCount++

	// 1. Drain the deferred queue up to the per-tick budget. Callbacks
	// enqueued during the drain run in this tick only while within budget.
	depth := int(l.depth.Load())
	drained := 0
	for depth == 0 || drained < depth {
		l.deferredMu.Lock()
		fn, ok := l.deferred.pop()
		l.deferredMu.Unlock()
		if !ok {
			break
		}
		l.safeInvoke(fn)
		drained++
	}

	// 2. Signals delivered since the previous tick, coalesced.
	events := l.signals.dispatch()

	// 3. Expired timers, in (expiry, insertion) order.
	events += l.timers.runDue(time.Now().UnixNano())

	// 4. Poll the I/O backend.
	events += l.pollIO(blocking)

	// 5. Immediates.
	l.immediates.run(events > 0)
}

// pollTimeout computes the backend timeout in milliseconds: 0 when the
// tick must not block (explicitly, or because deferred callbacks or
// immediates are waiting), the distance to the earliest timer expiry or
// per-arming I/O deadline otherwise, and -1 (indefinite) when nothing is
// scheduled.
func (l *Loop) pollTimeout(blocking bool) int {
	if !blocking {
		return 0
	}
	l.deferredMu.Lock()
	queued := l.deferred.len()
	l.deferredMu.Unlock()
	if queued > 0 || l.immediates.pendingCount() > 0 {
		return 0
	}

	next := l.timers.nextExpiry()
	if d := l.io.nextDeadline(); d != 0 && (next == 0 || d < next) {
		next = d
	}
	if next == 0 {
		return -1
	}
	delta := time.Duration(next - time.Now().UnixNano())
	if delta <= 0 {
		return 0
	}
	// Ceiling to a millisecond so a sub-ms deadline doesn't busy-spin.
	return int((delta + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) pollIO(blocking bool) int {
	timeout := l.pollTimeout(blocking)

	if timeout != 0 {
		if !l.state.TryTransition(StateRunning, StateSleeping) {
			timeout = 0
		}
	}

	fired := 0
	_, err := l.backend.Poll(timeout, func(fd int, events IOEvents) {
		if fd == l.wakeRead {
			l.drainWake()
			return
		}
		if l.io.dispatchReady(fd) {
			fired++
		}
	})
	l.state.TryTransition(StateSleeping, StateRunning)
	if err != nil {
		l.handlePollError(err)
		return fired
	}

	fired += l.io.dispatchTimeouts(time.Now().UnixNano())
	return fired
}

func (l *Loop) handlePollError(err error) {
	if l.state.Load() == StateTerminated {
		// Close raced the poll; nothing to report.
		l.stopped.Store(true)
		return
	}
	failure := &RuntimeFailure{Cause: err, Message: "asyncloop: backend poll failed: " + err.Error()}
	l.logErr(categoryPoll, failure, "poll failed, stopping loop")
	l.setFatal(failure)
	l.Stop()
}

// --- wake mechanism -----------------------------------------------------

// Wake interrupts a blocked poll so the loop re-evaluates its queues.
// Deduplicated: concurrent wakes collapse into one write until the loop
// drains the wake fd. Safe from any goroutine.
func (l *Loop) Wake() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	if !l.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	// Native endianness; the value is irrelevant, only readability is.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := writeFD(l.wakeWrite, buf)
	if err != nil {
		// Expected when the loop closes concurrently; the pending flag
		// stays set, which is harmless.
		return nil
	}
	return nil
}

func (l *Loop) drainWake() {
	for {
		if _, err := readFD(l.wakeRead, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// --- error reporting ----------------------------------------------------

// reportUncaught delivers an uncaught rejection (a Done chain that ended
// in an unhandled error) to the fatal-error sink. With no handler
// installed the loop stops and the error surfaces from Run/Tick.
func (l *Loop) reportUncaught(err *UncaughtError) {
	l.uncaughtMu.Lock()
	handler := l.uncaughtHandler
	l.uncaughtMu.Unlock()

	l.logErr(categoryUncaught, err, "uncaught rejection")
	if handler != nil {
		l.safeInvoke(func() { handler(err) })
		return
	}
	l.setFatal(err)
	l.Stop()
}

// SetUncaughtHandler replaces the fatal-error sink. A nil handler restores
// the default (stop the loop and surface the error from Run/Tick).
func (l *Loop) SetUncaughtHandler(fn func(*UncaughtError)) {
	l.uncaughtMu.Lock()
	l.uncaughtHandler = fn
	l.uncaughtMu.Unlock()
}

func (l *Loop) setFatal(err error) {
	l.uncaughtMu.Lock()
	if l.fatal == nil {
		l.fatal = err
	}
	l.uncaughtMu.Unlock()
}

func (l *Loop) takeFatal() error {
	l.uncaughtMu.Lock()
	err := l.fatal
	l.fatal = nil
	l.uncaughtMu.Unlock()
	return err
}

// safeInvoke runs a callback with panic containment. A panicking watcher
// or deferred callback is reported (to the uncaught handler when one is
// installed) but does not poison the loop.
func (l *Loop) safeInvoke(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: stackTrace()}
			l.logErr(categoryPanic, perr, "callback panicked")
			l.uncaughtMu.Lock()
			handler := l.uncaughtHandler
			l.uncaughtMu.Unlock()
			if handler != nil {
				handler(&UncaughtError{Cause: perr})
			}
		}
	}()
	fn()
}

func stackTrace() []byte {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// --- goroutine affinity -------------------------------------------------

// isLoopThread checks whether the caller is the goroutine driving the
// loop.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID parses the current goroutine's id out of runtime.Stack.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
