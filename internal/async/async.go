// Package async holds the panic-safe goroutine spawning helpers used by
// every long-lived loop in the task execution core (supervised executions,
// heartbeat tickers, the event bus dispatcher).
package async

import (
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// PanicLogger is the minimal capability Go/Recover need to report a
// recovered panic. logging.Logger satisfies this.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery so that a bug in one
// supervised task, one heartbeat tick, or one event handler can never take
// the process down.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. It only stops a
// panic when deferred directly (`defer Recover(logger, name)`), as Go does
// and as callers do inside an already-running goroutine, e.g. around one
// event handler invocation.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}

// Group is a thin errgroup.Group wrapper used where several independent
// units must be waited on together and the first error should be kept.
// cmd/taskcored's serve loop runs its HTTP server on one; it does not track
// task execution goroutines.
type Group struct {
	eg errgroup.Group
}

// Go schedules fn on the group.
func (g *Group) Go(fn func() error) {
	g.eg.Go(fn)
}

// Wait blocks until every scheduled fn has returned, returning the first
// non-nil error if any.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
