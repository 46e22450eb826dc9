// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build unix

package asyncloop

import (
	"sync"
)

// AbortSignal is a cancellation token: it communicates to an asynchronous
// operation that it should stop, and why. Signals are minted by an
// [AbortController] and observed with [AbortSignal.Aborted],
// [AbortSignal.OnAbort], or by linking an awaitable via
// [Awaitable.AbortOn].
//
// AbortSignal is safe for concurrent access from multiple goroutines.
type AbortSignal struct { //nolint:govet // betteralign:ignore
	handlers []func(reason error)
	reason   error
	mu       sync.RWMutex
	aborted  bool
}

func newAbortSignal() *AbortSignal {
	return &AbortSignal{}
}

// Aborted returns true once the signal has been aborted.
func (s *AbortSignal) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// Reason returns the abort reason, or nil while not aborted.
func (s *AbortSignal) Reason() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// OnAbort registers a callback invoked when the signal aborts, with the
// abort reason. A handler registered on an already-aborted signal runs
// immediately. Handlers run in registration order.
func (s *AbortSignal) OnAbort(handler func(reason error)) {
	if handler == nil {
		return
	}

	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		handler(reason)
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// Err returns nil while not aborted, and an *[AbortError] carrying the
// reason afterward.
func (s *AbortSignal) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aborted {
		return &AbortError{Reason: s.reason}
	}
	return nil
}

func (s *AbortSignal) abort(reason error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	handlers := make([]func(reason error), len(s.handlers))
	copy(handlers, s.handlers)
	s.handlers = nil
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(reason)
	}
}

// AbortController mints one [AbortSignal] and aborts it on demand, from
// any goroutine.
type AbortController struct {
	signal *AbortSignal
}

// NewAbortController creates a controller with a fresh signal.
func NewAbortController() *AbortController {
	return &AbortController{signal: newAbortSignal()}
}

// Signal returns the controller's signal; always the same one.
func (c *AbortController) Signal() *AbortSignal {
	return c.signal
}

// Abort aborts the controller's signal. A nil reason becomes a
// [CancellationError]. Aborting twice is a no-op; the signal keeps its
// original reason.
func (c *AbortController) Abort(reason error) {
	if reason == nil {
		reason = &CancellationError{Message: "asyncloop: aborted"}
	}
	c.signal.abort(reason)
}

// AbortError wraps the reason an operation observed through an aborted
// [AbortSignal].
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "asyncloop: operation aborted"
	}
	return "asyncloop: operation aborted: " + e.Reason.Error()
}

// Is reports whether target is itself an *AbortError.
func (e *AbortError) Is(target error) bool {
	_, ok := target.(*AbortError)
	return ok
}

// Unwrap exposes the abort reason to [errors.Is] / [errors.As].
func (e *AbortError) Unwrap() error {
	return e.Reason
}

// AbortTimeout creates a controller whose signal aborts with a
// *[TimeoutError] after the given delay, scheduled on loop. The controller
// may still abort earlier by hand.
func AbortTimeout(loop *Loop, seconds DurationSeconds) (*AbortController, error) {
	controller := NewAbortController()
	_, err := loop.ScheduleTimer(seconds, false, func() {
		controller.Abort(&TimeoutError{Message: "asyncloop: abort timeout elapsed"})
	})
	if err != nil {
		return nil, err
	}
	return controller, nil
}

// AbortAny composes signals: the result aborts as soon as any input
// aborts, with that input's reason. An already-aborted input aborts the
// result immediately; an empty input never aborts.
func AbortAny(signals []*AbortSignal) *AbortSignal {
	composite := newAbortSignal()
	if len(signals) == 0 {
		return composite
	}

	var abortOnce sync.Once
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		if sig.Aborted() {
			composite.abort(sig.Reason())
			return composite
		}
	}
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		sig.OnAbort(func(reason error) {
			abortOnce.Do(func() {
				composite.abort(reason)
			})
		})
	}
	return composite
}

// AbortOn links the awaitable to sig: when sig aborts while a is still
// pending, a is cancelled with the abort reason, through the deferred
// queue. Returns a for chaining.
func (a *Awaitable) AbortOn(sig *AbortSignal) *Awaitable {
	if sig == nil {
		return a
	}
	sig.OnAbort(func(reason error) {
		a.loop.Queue(func() {
			if a.IsPending() {
				a.Cancel(reason)
			}
		})
	})
	return a
}
