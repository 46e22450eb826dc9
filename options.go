// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package asyncloop

import (
	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	maxQueueDepth   int
	signalHandling  bool
	backend         Backend
	logger          *logiface.Logger[logiface.Event]
	uncaughtHandler func(*UncaughtError)
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithMaxQueueDepth bounds how many deferred callbacks a single tick may
// drain; 0 (the default) is unlimited. Callbacks beyond the budget stay
// queued for the next tick. The bound can be changed later with
// [Loop.MaxQueueDepth].
func WithMaxQueueDepth(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return &LogicError{Message: "asyncloop: negative max queue depth"}
		}
		opts.maxQueueDepth = n
		return nil
	}}
}

// WithSignalHandling controls whether the loop installs UNIX signal
// handlers. When disabled, [Loop.Signal] returns an [UnsupportedError];
// the default is enabled.
func WithSignalHandling(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.signalHandling = enabled
		return nil
	}}
}

// WithBackend selects the I/O polling backend. See [Backend].
func WithBackend(backend Backend) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.backend = backend
		return nil
	}}
}

// WithLogger replaces the loop's structured logger. A nil logger silences
// the loop entirely.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithUncaughtHandler installs a fatal-error sink for uncaught rejections
// from [Awaitable.Done] chains and for callback panics. Without one, an
// uncaught rejection stops the loop and surfaces from [Loop.Run] /
// [Loop.Tick].
func WithUncaughtHandler(fn func(*UncaughtError)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.uncaughtHandler = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		signalHandling: true,
		backend:        BackendAuto,
		logger:         defaultLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue // skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
