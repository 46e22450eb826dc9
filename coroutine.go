package asyncloop

import (
	"sync"
)

// Generator is the suspendable-iterator contract the coroutine driver
// consumes: a sequence of yielded values that can be resumed with a result
// (Send) or an error (Throw) at each suspension point.
//
// All methods are invoked from the loop goroutine, one at a time.
type Generator interface {
	// Current returns the most recently yielded value. Meaningless once
	// Valid reports false.
	Current() any
	// Send resumes the generator with the result of the awaited value. A
	// non-nil error means the generator body itself failed.
	Send(v any) error
	// Throw resumes the generator by raising err at the suspension point;
	// the generator may recover (and yield again) or finish.
	Throw(err error) error
	// Valid reports whether the generator can still yield.
	Valid() bool
}

// GeneratorReturner is optionally implemented by generators with a
// distinct completion value. When the generator finishes with a non-nil
// Return, the coroutine resolves with it; otherwise with the last value
// sent into the generator.
type GeneratorReturner interface {
	Return() any
}

const (
	stepStart = iota
	stepSend
	stepThrow
)

// coroStep is one pending advance of the generator: the initial Current
// observation, a Send with an awaited result, or a Throw.
type coroStep struct {
	kind int
	val  any
	err  error
}

// Coroutine drives a [Generator] to completion as an [Awaitable]: each
// yielded awaitable suspends the generator until it settles, a yielded
// generator runs as a nested coroutine, and any other yielded value is a
// zero-cost yield back to the loop. Construction schedules the first
// advance on the deferred queue.
//
// Cancelling the coroutine's awaitable throws the reason into the
// generator, so deferred cleanup inside the generator body runs before the
// awaitable rejects; any sub-awaitable in flight is cancelled with the
// same reason.
type Coroutine struct {
	loop *Loop
	aw   *Awaitable

	mu           sync.Mutex
	gen          Generator
	current      any
	lastSent     any
	awaiting     *Awaitable
	cancelReason error
	started      bool
	done         bool
	paused       bool
	ready        bool
	pending      coroStep
	hasPending   bool
}

// NewCoroutine wraps gen in a coroutine on loop. The generator starts
// advancing on the next tick.
func NewCoroutine(loop *Loop, gen Generator) *Coroutine {
	c := &Coroutine{loop: loop, gen: gen}
	c.aw = &Awaitable{loop: loop, deferCancelReject: true}
	c.aw.onCancel = c.cancelHandler
	loop.Queue(func() { c.advance(coroStep{kind: stepStart}) })
	return c
}

// Go runs fn as a coroutine: the body yields awaitables through y and
// receives their results, reading as straight-line logic. Shorthand for
// NewCoroutine(l, NewGoGenerator(fn)).Awaitable().
func (l *Loop) Go(fn func(y *Yielder) (any, error)) *Awaitable {
	return NewCoroutine(l, NewGoGenerator(fn)).Awaitable()
}

// Awaitable returns the handle that settles when the generator finishes.
func (c *Coroutine) Awaitable() *Awaitable { return c.aw }

// Pause defers further advances: the next resumption is cached instead of
// applied, until Resume.
func (c *Coroutine) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears a pause; a resumption observed while paused is re-applied
// exactly as if it had just arrived.
func (c *Coroutine) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	if c.ready && c.hasPending {
		s := c.pending
		c.ready = false
		c.hasPending = false
		c.pending = coroStep{}
		c.mu.Unlock()
		c.loop.Queue(func() { c.advance(s) })
		return
	}
	c.ready = false
	c.mu.Unlock()
}

// advance applies one step to the generator and dispatches the resulting
// current value. Always runs on the loop goroutine.
func (c *Coroutine) advance(s coroStep) {
	c.mu.Lock()
	if c.done || c.gen == nil {
		c.mu.Unlock()
		return
	}
	if c.paused {
		c.ready = true
		c.pending = s
		c.hasPending = true
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.started = true
	if s.kind == stepSend {
		c.lastSent = s.val
	}
	c.mu.Unlock()

	// Generator methods run unlocked: a channel-bridged generator blocks
	// until its body reaches the next suspension point.
	var err error
	switch s.kind {
	case stepSend:
		err = safeSend(gen, s.val)
	case stepThrow:
		err = safeThrow(gen, s.err)
	}
	if err != nil {
		c.fail(err)
		return
	}
	if !gen.Valid() {
		c.finish(gen)
		return
	}
	cur := gen.Current()
	c.mu.Lock()
	c.current = cur
	c.mu.Unlock()
	c.dispatch(cur)
}

// dispatch routes the yielded value: awaitables suspend, generators nest,
// anything else re-schedules immediately through the deferred queue.
func (c *Coroutine) dispatch(cur any) {
	switch v := cur.(type) {
	case *Awaitable:
		c.await(v)
	case *Coroutine:
		c.await(v.Awaitable())
	case Generator:
		c.await(NewCoroutine(c.loop, v).Awaitable())
	default:
		c.loop.Queue(func() { c.advance(coroStep{kind: stepSend, val: cur}) })
	}
}

func (c *Coroutine) await(sub *Awaitable) {
	c.mu.Lock()
	c.awaiting = sub
	reason := c.cancelReason
	c.mu.Unlock()

	sub.subscribe(
		func(val any) {
			c.clearAwaiting()
			c.advance(coroStep{kind: stepSend, val: val})
		},
		func(e error) {
			c.clearAwaiting()
			c.advance(coroStep{kind: stepThrow, err: e})
		},
	)
	// Unwinding: once cancelled, every subsequent awaiting point is
	// cancelled as it appears, so the generator's cleanup keeps running.
	if reason != nil && sub.IsPending() {
		sub.Cancel(reason)
	}
}

func (c *Coroutine) clearAwaiting() {
	c.mu.Lock()
	c.awaiting = nil
	c.mu.Unlock()
}

// cancelHandler is the owning awaitable's cancel hook: the reason is
// thrown into the generator, and the driver settles the awaitable once the
// generator has unwound.
func (c *Coroutine) cancelHandler(reason error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.cancelReason = reason
	in := c.awaiting
	c.mu.Unlock()

	if in != nil && in.IsPending() {
		in.Cancel(reason)
		return
	}
	if in == nil {
		c.loop.Queue(func() { c.advance(coroStep{kind: stepThrow, err: reason}) })
	}
}

// finish resolves the owning awaitable with the generator's completion
// value, unless a cancellation is in progress, in which case the awaitable
// rejects with the cancel reason. Teardown nils the generator, current
// value, and awaiting slot: they otherwise form a cycle through the worker
// closures.
func (c *Coroutine) finish(gen Generator) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	val := c.lastSent
	reason := c.cancelReason
	c.teardownLocked()
	c.mu.Unlock()

	if reason != nil {
		c.aw.Reject(reason)
		return
	}
	// A generator that failed without a live Send/Throw to report through
	// (e.g. a body that errors before its first yield) surfaces here.
	if e, ok := gen.(interface{ Err() error }); ok && e.Err() != nil {
		c.aw.Reject(e.Err())
		return
	}
	if r, ok := gen.(GeneratorReturner); ok {
		if rv := r.Return(); rv != nil {
			val = rv
		}
	}
	c.aw.Resolve(val)
}

func (c *Coroutine) fail(err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.teardownLocked()
	c.mu.Unlock()
	c.aw.Reject(err)
}

func (c *Coroutine) teardownLocked() {
	c.gen = nil
	c.current = nil
	c.awaiting = nil
	c.pending = coroStep{}
	c.hasPending = false
}

func safeSend(gen Generator, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return gen.Send(v)
}

func safeThrow(gen Generator, e error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return gen.Throw(e)
}

// --- goroutine-bridged generator ----------------------------------------

const (
	genEventYield = 1
	genEventDone  = 2
)

type genEvent struct {
	kind int
	val  any
	err  error
}

// Yielder is the suspension handle passed to a [NewGoGenerator] body.
type Yielder struct {
	events chan genEvent
	resume chan coroStep
}

// Yield suspends the body with v (typically an *Awaitable) and blocks
// until the driver resumes it: the awaited result, or an error when the
// driver threw (rejection or cancellation). Bodies propagate or handle the
// error like any other; deferred cleanup runs either way.
func (y *Yielder) Yield(v any) (any, error) {
	y.events <- genEvent{kind: genEventYield, val: v}
	s := <-y.resume
	if s.kind == stepThrow {
		return nil, s.err
	}
	return s.val, nil
}

// goGenerator adapts a goroutine-with-channels body to the Generator
// contract: the body runs on its own goroutine, strictly interleaved with
// the loop goroutine through the yield/resume handshake, so only one of
// the two ever runs at a time.
type goGenerator struct {
	fn      func(y *Yielder) (any, error)
	y       *Yielder
	current any
	retVal  any
	finErr  error
	started bool
	valid   bool
	done    bool
}

// NewGoGenerator adapts fn to the [Generator] contract. The body starts
// lazily, on the first Valid/Current/Send/Throw, and runs until its first
// Yield before that call returns.
func NewGoGenerator(fn func(y *Yielder) (any, error)) Generator {
	return &goGenerator{
		fn: fn,
		y: &Yielder{
			events: make(chan genEvent),
			resume: make(chan coroStep),
		},
	}
}

func (g *goGenerator) start() error {
	if g.started {
		return nil
	}
	g.started = true
	go func() {
		var ev genEvent
		defer func() {
			if r := recover(); r != nil {
				ev = genEvent{kind: genEventDone, err: &PanicError{Value: r}}
			} else if ev.kind == 0 {
				// The body neither returned nor panicked: runtime.Goexit.
				ev = genEvent{kind: genEventDone, err: ErrGoexit}
			}
			g.y.events <- ev
		}()
		v, err := g.fn(g.y)
		ev = genEvent{kind: genEventDone, val: v, err: err}
	}()
	return g.observe(<-g.y.events)
}

// observe folds one body event into the generator's iterator state,
// returning the body's error when it finished with one.
func (g *goGenerator) observe(ev genEvent) error {
	if ev.kind == genEventYield {
		g.current = ev.val
		g.valid = true
		return nil
	}
	g.valid = false
	g.done = true
	g.retVal = ev.val
	g.finErr = ev.err
	return ev.err
}

func (g *goGenerator) Valid() bool {
	if !g.started {
		// Errors from a body that fails before its first yield are kept
		// and reported through Err.
		_ = g.start()
	}
	return g.valid
}

func (g *goGenerator) Current() any {
	if !g.started {
		_ = g.start()
	}
	return g.current
}

func (g *goGenerator) Send(v any) error {
	if !g.started {
		return g.start()
	}
	if g.done {
		return nil
	}
	g.y.resume <- coroStep{kind: stepSend, val: v}
	return g.observe(<-g.y.events)
}

func (g *goGenerator) Throw(err error) error {
	if !g.started {
		if serr := g.start(); serr != nil {
			return serr
		}
		if g.done {
			return nil
		}
	}
	if g.done {
		return nil
	}
	g.y.resume <- coroStep{kind: stepThrow, err: err}
	return g.observe(<-g.y.events)
}

func (g *goGenerator) Return() any { return g.retVal }

// Err returns the terminal error of a body that finished with one; the
// coroutine driver consults it when the generator becomes invalid outside
// a Send/Throw.
func (g *goGenerator) Err() error { return g.finErr }
