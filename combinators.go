package asyncloop

import (
	"sync"
)

// Outcome is one element of a [Loop.Settle] result: exactly one of Value
// and Err is meaningful, per the corresponding input's settlement.
type Outcome struct {
	Value any
	Err   error
}

// Fulfilled reports whether the input fulfilled.
func (o Outcome) Fulfilled() bool { return o.Err == nil }

// cancelPending cancels every still-pending input with reason, skipping
// index skip (-1 to skip none).
func cancelPending(inputs []*Awaitable, skip int, reason error) {
	for i, in := range inputs {
		if i == skip || in == nil {
			continue
		}
		if in.IsPending() {
			in.Cancel(reason)
		}
	}
}

// All resolves with the values of every input, in input order, once all of
// them fulfil. The first rejection rejects the result and cancels the
// remaining inputs with that reason. An empty input resolves with an empty
// slice.
func (l *Loop) All(xs []*Awaitable) *Awaitable {
	inputs := make([]*Awaitable, len(xs))
	copy(inputs, xs)

	result := &Awaitable{loop: l}
	result.onCancel = func(reason error) { cancelPending(inputs, -1, reason) }
	if len(inputs) == 0 {
		result.Resolve([]any{})
		return result
	}

	var mu sync.Mutex
	values := make([]any, len(inputs))
	remaining := len(inputs)
	done := false

	for i, in := range inputs {
		idx := i
		in.subscribe(
			func(v any) {
				mu.Lock()
				if done {
					mu.Unlock()
					return
				}
				values[idx] = v
				remaining--
				finished := remaining == 0
				if finished {
					done = true
				}
				mu.Unlock()
				if finished {
					result.Resolve(values)
				}
			},
			func(e error) {
				mu.Lock()
				if done {
					mu.Unlock()
					return
				}
				done = true
				mu.Unlock()
				result.Reject(e)
				cancelPending(inputs, idx, e)
			},
		)
	}
	return result
}

// Any fulfils with the first fulfilled input's value; when every input
// rejects, it rejects with a [MultiReasonError] carrying the reasons in
// input order. An empty input rejects immediately.
func (l *Loop) Any(xs []*Awaitable) *Awaitable {
	inputs := make([]*Awaitable, len(xs))
	copy(inputs, xs)

	result := &Awaitable{loop: l}
	result.onCancel = func(reason error) { cancelPending(inputs, -1, reason) }
	if len(inputs) == 0 {
		result.Reject(&MultiReasonError{})
		return result
	}

	var mu sync.Mutex
	reasons := make([]error, len(inputs))
	rejected := 0
	done := false

	for i, in := range inputs {
		idx := i
		in.subscribe(
			func(v any) {
				mu.Lock()
				if done {
					mu.Unlock()
					return
				}
				done = true
				mu.Unlock()
				result.Resolve(v)
			},
			func(e error) {
				mu.Lock()
				if done {
					mu.Unlock()
					return
				}
				reasons[idx] = e
				rejected++
				all := rejected == len(inputs)
				if all {
					done = true
				}
				mu.Unlock()
				if all {
					result.Reject(&MultiReasonError{Errors: reasons})
				}
			},
		)
	}
	return result
}

// Choose settles with the first input to settle, fulfilment or rejection
// alike, and cancels the rest. An empty input never settles.
func (l *Loop) Choose(xs []*Awaitable) *Awaitable {
	inputs := make([]*Awaitable, len(xs))
	copy(inputs, xs)

	result := &Awaitable{loop: l}
	result.onCancel = func(reason error) { cancelPending(inputs, -1, reason) }
	if len(inputs) == 0 {
		return result
	}

	var mu sync.Mutex
	done := false
	claim := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return false
		}
		done = true
		return true
	}

	for i, in := range inputs {
		idx := i
		in.subscribe(
			func(v any) {
				if claim() {
					result.Resolve(v)
					cancelPending(inputs, idx, &CancellationError{Message: "asyncloop: lost choose"})
				}
			},
			func(e error) {
				if claim() {
					result.Reject(e)
					cancelPending(inputs, idx, &CancellationError{Message: "asyncloop: lost choose"})
				}
			},
		)
	}
	return result
}

// Settle resolves with one [Outcome] per input, in input order, once every
// input has settled; it never rejects. An empty input resolves with an
// empty slice.
func (l *Loop) Settle(xs []*Awaitable) *Awaitable {
	inputs := make([]*Awaitable, len(xs))
	copy(inputs, xs)

	result := &Awaitable{loop: l}
	result.onCancel = func(reason error) { cancelPending(inputs, -1, reason) }
	if len(inputs) == 0 {
		result.Resolve([]Outcome{})
		return result
	}

	var mu sync.Mutex
	outcomes := make([]Outcome, len(inputs))
	remaining := len(inputs)

	record := func(idx int, o Outcome) {
		mu.Lock()
		outcomes[idx] = o
		remaining--
		finished := remaining == 0
		mu.Unlock()
		if finished {
			result.Resolve(outcomes)
		}
	}

	for i, in := range inputs {
		idx := i
		in.subscribe(
			func(v any) { record(idx, Outcome{Value: v}) },
			func(e error) { record(idx, Outcome{Err: e}) },
		)
	}
	return result
}

// Map awaits each input in order and applies f to its value, resolving
// with the mapped values. The first rejection or mapping error rejects the
// result and cancels the inputs not yet consumed.
func (l *Loop) Map(xs []*Awaitable, f func(v any) (any, error)) *Awaitable {
	inputs := make([]*Awaitable, len(xs))
	copy(inputs, xs)

	result := &Awaitable{loop: l}
	result.onCancel = func(reason error) { cancelPending(inputs, -1, reason) }

	out := make([]any, len(inputs))
	var step func(i int)
	step = func(i int) {
		if !result.IsPending() {
			return
		}
		if i == len(inputs) {
			result.Resolve(out)
			return
		}
		inputs[i].subscribe(
			func(v any) {
				mapped, err := safeCall1(f, v)
				if err != nil {
					result.Reject(err)
					cancelPending(inputs[i+1:], -1, err)
					return
				}
				out[i] = mapped
				step(i + 1)
			},
			func(e error) {
				result.Reject(e)
				cancelPending(inputs[i+1:], -1, e)
			},
		)
	}
	step(0)
	return result
}

// Reduce awaits each input in order, folding values through f starting
// from init, and resolves with the final accumulator. The first rejection
// or fold error rejects the result and cancels the inputs not yet
// consumed.
func (l *Loop) Reduce(xs []*Awaitable, f func(acc, v any) (any, error), init any) *Awaitable {
	inputs := make([]*Awaitable, len(xs))
	copy(inputs, xs)

	result := &Awaitable{loop: l}
	result.onCancel = func(reason error) { cancelPending(inputs, -1, reason) }

	acc := init
	var step func(i int)
	step = func(i int) {
		if !result.IsPending() {
			return
		}
		if i == len(inputs) {
			result.Resolve(acc)
			return
		}
		inputs[i].subscribe(
			func(v any) {
				next, err := safeCall2(f, acc, v)
				if err != nil {
					result.Reject(err)
					cancelPending(inputs[i+1:], -1, err)
					return
				}
				acc = next
				step(i + 1)
			},
			func(e error) {
				result.Reject(e)
				cancelPending(inputs[i+1:], -1, e)
			},
		)
	}
	step(0)
	return result
}

// Iterate repeatedly applies fn to a value, starting from seed, until fn
// reports done; the result resolves with the final value. A step value
// that is itself an *Awaitable is awaited before the next application, so
// fn can interleave asynchronous work. Each step runs through the deferred
// queue, never recursively.
func (l *Loop) Iterate(seed any, fn func(v any) (next any, done bool, err error)) *Awaitable {
	result := &Awaitable{loop: l}

	var current *Awaitable // in-flight async step, for cancellation
	var mu sync.Mutex
	result.onCancel = func(reason error) {
		mu.Lock()
		in := current
		mu.Unlock()
		if in != nil && in.IsPending() {
			in.Cancel(reason)
		}
	}

	var step func(v any)
	step = func(v any) {
		if !result.IsPending() {
			return
		}
		if in, ok := v.(*Awaitable); ok {
			mu.Lock()
			current = in
			mu.Unlock()
			in.subscribe(
				func(resolved any) {
					mu.Lock()
					current = nil
					mu.Unlock()
					step(resolved)
				},
				func(e error) {
					mu.Lock()
					current = nil
					mu.Unlock()
					result.Reject(e)
				},
			)
			return
		}
		next, done, err := safeCallStep(fn, v)
		if err != nil {
			result.Reject(err)
			return
		}
		if done {
			result.Resolve(next)
			return
		}
		l.Queue(func() { step(next) })
	}
	l.Queue(func() { step(seed) })
	return result
}

// Retry invokes promisor and, each time the produced awaitable rejects,
// consults shouldRetry with the reason: true re-invokes promisor through
// the deferred queue, false (or a nil shouldRetry) rejects the result.
// Fulfilment resolves the result. Cancelling the result cancels the
// attempt in flight.
func (l *Loop) Retry(promisor func() *Awaitable, shouldRetry func(err error) bool) *Awaitable {
	result := &Awaitable{loop: l}

	var mu sync.Mutex
	var attempt *Awaitable
	result.onCancel = func(reason error) {
		mu.Lock()
		in := attempt
		mu.Unlock()
		if in != nil && in.IsPending() {
			in.Cancel(reason)
		}
	}

	var run func()
	run = func() {
		if !result.IsPending() {
			return
		}
		a, err := safeCallPromisor(promisor)
		if err != nil {
			result.Reject(err)
			return
		}
		if a == nil {
			result.Reject(&LogicError{Message: "asyncloop: Retry promisor returned a nil awaitable"})
			return
		}
		mu.Lock()
		attempt = a
		mu.Unlock()
		a.subscribe(
			func(v any) { result.Resolve(v) },
			func(e error) {
				if shouldRetry != nil && shouldRetry(e) {
					l.Queue(run)
					return
				}
				result.Reject(e)
			},
		)
	}
	l.Queue(run)
	return result
}

func safeCall1(f func(any) (any, error), v any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return f(v)
}

func safeCall2(f func(any, any) (any, error), a, b any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return f(a, b)
}

func safeCallStep(f func(any) (any, bool, error), v any) (next any, done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return f(v)
}

func safeCallPromisor(f func() *Awaitable) (a *Awaitable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return f(), nil
}
