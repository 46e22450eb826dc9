package asyncloop

import (
	"context"
	"time"
)

// Promisify executes fn in a new goroutine and returns an [Awaitable]
// representing its result, settled on the loop goroutine.
//
// It ensures:
//   - Goexit handling: a goroutine exiting via runtime.Goexit (a failed
//     require.* assertion, for instance) rejects with [ErrGoexit] rather
//     than leaving the awaitable pending forever.
//   - Panic capture: a panic rejects with a *[PanicError].
//   - Context propagation: fn receives ctx and a context already cancelled
//     at call time rejects without running fn.
//   - Single-owner settlement: resolution goes through the deferred queue;
//     when the loop has been closed the awaitable is settled directly so it
//     always settles.
func (l *Loop) Promisify(ctx context.Context, fn func(ctx context.Context) (any, error)) *Awaitable {
	a := &Awaitable{loop: l}
	if l.state.Load() == StateTerminated {
		a.Reject(ErrLoopTerminated)
		return a
	}

	go func() {
		// Completion flag distinguishes normal return from Goexit.
		completed := false

		select {
		case <-ctx.Done():
			completed = true
			l.settle(func() { a.Reject(ctx.Err()) })
			return
		default:
		}

		defer func() {
			if r := recover(); r != nil {
				perr := &PanicError{Value: r, Stack: stackTrace()}
				l.settle(func() { a.Reject(perr) })
			} else if !completed {
				l.settle(func() { a.Reject(ErrGoexit) })
			}
		}()

		res, err := fn(ctx)
		if err != nil {
			l.settle(func() { a.Reject(err) })
		} else {
			l.settle(func() { a.Resolve(res) })
		}
		completed = true
	}()

	return a
}

// settle routes a settlement through the deferred queue, falling back to
// direct invocation when the loop has been closed (the awaitable must
// still settle).
func (l *Loop) settle(fn func()) {
	if l.Submit(fn) != nil {
		fn()
	}
}

// PromisifyTimeout is [Loop.Promisify] bounded by a timeout: fn's context
// is cancelled after the given duration and the awaitable rejects with
// context.DeadlineExceeded when fn does not finish in time.
func (l *Loop) PromisifyTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) *Awaitable {
	ctx, cancel := context.WithTimeout(parent, timeout)
	a := l.Promisify(ctx, func(ctx context.Context) (any, error) {
		defer cancel()
		return fn(ctx)
	})
	if !a.IsPending() {
		return a
	}
	return a.Timeout(timeout.Seconds(), context.DeadlineExceeded)
}
