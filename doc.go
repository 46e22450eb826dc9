// Package asyncloop is a single-threaded asynchronous runtime: a watcher-based
// event loop plus a cooperative coroutine scheduler whose tasks suspend on
// [Awaitable] handles instead of blocking a goroutine.
//
// # Architecture
//
// Three subsystems cooperate around a single [Loop]:
//
//   - [Awaitable] is a single-assignment promise cell with composable
//     continuations ([Awaitable.Then], [Awaitable.Done]), cancellation
//     propagation, and delay/timeout adapters. Combinators ([Loop.All],
//     [Loop.Any], [Loop.Choose], [Loop.Settle], [Loop.Map], [Loop.Reduce],
//     [Loop.Iterate], [Loop.Retry]) compose many awaitables into one.
//   - [Coroutine] drives any [Generator] (a suspendable, generator-style
//     iterator) to completion, feeding each yielded [Awaitable] back into the
//     loop and resuming the generator when it settles. [NewGoGenerator]
//     bridges an ordinary function with a [Yielder] into the Generator
//     contract; [Loop.Go] combines both.
//   - [Loop] is the reactor: it owns one manager per watcher kind (I/O,
//     timer, immediate, signal), drains a deferred callback queue, and polls
//     a pluggable I/O backend.
//
// Socket, stream, TLS, HTTP, DNS, and process-spawning layers are explicitly
// out of scope for this module; they are expected to be built on top of the
// [Loop] facade ([Poll], [Await], [Timer], [Periodic], [Immediate], [Signal],
// [Queue]) or its per-loop equivalents.
//
// # Tick ordering
//
// Each call to [Loop.Tick] performs, in order: drain the deferred queue (up
// to the [Loop.MaxQueueDepth] budget), dispatch signals delivered since the
// previous tick, run expired timers, poll the I/O backend, then run
// immediates. [Loop.Run] repeats ticks until [Loop.IsEmpty] or [Loop.Stop].
// Unreferenced watchers (see [IoWatcher.Unref] and friends) still fire but
// do not keep the loop alive.
//
// # Platform support
//
// I/O polling selects a backend in this order: an accelerated level-triggered
// backend native to the platform (epoll on Linux, kqueue on Darwin), then the
// portable poll(2) backend available on every UNIX target.
// [WithBackend] forces a choice. [Loop.ReInit] re-creates backend state after
// a process fork without losing user-visible watchers.
//
// # Thread safety
//
// The loop is single-threaded cooperative: exactly one tick, watcher
// callback, deferred callback, or continuation runs at a time, and none of
// them may re-enter the loop synchronously. [Loop.Queue], [Loop.Submit],
// [Loop.Stop], and [Loop.Wake] are safe to call from any goroutine; they
// interrupt a blocked poll via an eventfd/pipe wake mechanism.
// [Loop.Promisify] bridges blocking work on other goroutines back into the
// loop.
//
// # Usage
//
//	loop, err := asyncloop.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer loop.Close()
//
//	_, _ = loop.Timer(0.1, func() {
//		fmt.Println("fired after 100ms")
//	})
//
//	if err := loop.Run(nil); err != nil {
//		log.Fatal(err)
//	}
//
// # Error taxonomy
//
// [LogicError], [CancellationError], [TimeoutError], [MultiReasonError],
// [RuntimeFailure], and [UncaughtError] cover the semantic error kinds of
// the runtime; [FreedError], [ResourceBusyError], [RunningError], and
// [UnsupportedError] cover loop-facade misuse. All implement [error],
// support [errors.Unwrap] where they wrap a cause, and participate in
// [errors.Is]/[errors.As] matching.
package asyncloop
