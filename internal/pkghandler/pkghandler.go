// Package pkghandler implements the callback registry component (spec.md
// §4.B): a map from package type to an ordered list of handlers, plus the
// addTask wrapper over the scheduler.
//
// Grounded on the teacher's pkg/mcast/core/deliver.go Deliverable.Commit
// dispatch-by-kind, generalized from "one state machine commit" to "an
// ordered chain of handlers that can each decide to consume the package".
package pkghandler

import (
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

// Handler processes one inbound package. It returns true if it consumed
// the package, stopping further handlers for this type from running.
type Handler func(v wire.Variant, conn *framing.Connection, timeReceived time.Time) bool

// Registry dispatches inbound packages by type to registered handlers and
// wraps task scheduling for application code.
type Registry struct {
	sched    scheduler.Scheduler
	log      logging.Logger
	handlers map[wire.PackageType][]Handler
}

// New builds a Registry bound to sched for its addTask wrapper.
func New(sched scheduler.Scheduler, log logging.Logger) *Registry {
	return &Registry{
		sched:    sched,
		log:      log,
		handlers: make(map[wire.PackageType][]Handler),
	}
}

// On registers a handler for the given package type. Handlers run in
// registration order; the first to return true stops the chain.
func (r *Registry) On(t wire.PackageType, h Handler) {
	r.handlers[t] = append(r.handlers[t], h)
}

// Dispatch runs every registered handler for v's type until one consumes
// it. A handler that panics is treated as having consumed the package and
// logged, never propagated into the scheduler (spec.md §7).
func (r *Registry) Dispatch(v wire.Variant, conn *framing.Connection, timeReceived time.Time) (consumed bool) {
	for _, h := range r.handlers[v.Head().Type] {
		if r.runHandler(h, v, conn, timeReceived) {
			return true
		}
	}
	return false
}

func (r *Registry) runHandler(h Handler, v wire.Variant, conn *framing.Connection, timeReceived time.Time) (consumed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("handler for package type %s panicked: %v", v.Head().Type, rec)
			consumed = true
		}
	}()
	return h(v, conn, timeReceived)
}

// AddTask wraps the scheduler so a zero-delay, one-shot task is still
// deferred to the next tick rather than run inline (spec.md §4.B, §6).
func (r *Registry) AddTask(delay time.Duration, repeatCount int, fn func()) scheduler.Handle {
	if repeatCount == 0 {
		return r.sched.AddOnce(delay, fn)
	}
	if repeatCount < 0 {
		return r.sched.AddPeriodic(delay, fn)
	}
	remaining := repeatCount
	var handle scheduler.Handle
	var run func()
	run = func() {
		fn()
		remaining--
		if remaining > 0 {
			handle = r.sched.AddOnce(delay, run)
		}
	}
	handle = r.sched.AddOnce(delay, run)
	return handle
}

// CancelTask cancels a previously scheduled task.
func (r *Registry) CancelTask(h scheduler.Handle) {
	r.sched.Cancel(h)
}
