package asyncloop

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	defaultLoggerOnce sync.Once
	defaultLoggerVal  *logiface.Logger[logiface.Event]
)

// defaultLogger returns the process-wide default logger: stumpy JSON to
// stderr, warning level. Built once; every loop without [WithLogger]
// shares it.
func defaultLogger() *logiface.Logger[logiface.Event] {
	defaultLoggerOnce.Do(func() {
		defaultLoggerVal = stumpy.L.New(
			stumpy.L.WithStumpy(),
			stumpy.L.WithLevel(logiface.LevelWarning),
		).Logger()
	})
	return defaultLoggerVal
}

// newReportLimiter builds the rate limiter applied to uncaught-rejection
// and callback-panic reports: a hot failure loop may emit thousands of
// identical reports per second, and the sink only needs enough of them to
// diagnose.
func newReportLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 30,
	})
}

// reportCategory keys the rate limiter by failure kind so one noisy
// category cannot silence another.
type reportCategory string

const (
	categoryUncaught reportCategory = "uncaught"
	categoryPanic    reportCategory = "panic"
	categoryPoll     reportCategory = "poll"
)

// logErr emits a rate-limited error-level report for the given category.
func (l *Loop) logErr(category reportCategory, err error, msg string) {
	if l.logger == nil {
		return
	}
	if _, ok := l.limiter.Allow(category); !ok {
		return
	}
	l.logger.Err().
		Err(err).
		Str("component", "asyncloop").
		Uint64("loop", l.id).
		Str("category", string(category)).
		Log(msg)
}

// logDebug emits an unlimited debug-level event; debug is off on the
// default logger, so this costs a level check in production.
func (l *Loop) logDebug(msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Debug().
		Str("component", "asyncloop").
		Uint64("loop", l.id).
		Log(msg)
}
