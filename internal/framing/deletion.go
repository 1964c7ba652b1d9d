package framing

import (
	"sync"
	"time"

	"github.com/wireweave/mesh/internal/scheduler"
)

// DeletionGate enforces a minimum spacing between consecutive socket
// close-and-free events (spec.md §4.A, §5, §9): racing the platform's TCP
// cleanup by freeing two sockets back to back was the original's
// heap-corruption source. A gate spaces only the destructions scheduled
// through it: mesh.New builds one gate per Mesh, so destructions of two Mesh
// instances in one process are not spaced against each other.
type DeletionGate struct {
	mu            sync.Mutex
	spacing       time.Duration
	nextAvailable time.Time
	reserved      bool
}

// NewDeletionGate builds a gate enforcing the given minimum spacing.
func NewDeletionGate(spacing time.Duration) *DeletionGate {
	return &DeletionGate{spacing: spacing}
}

// ScheduleDestroy defers fn (a close-then-free of one socket) onto sched so
// that any two scheduled destructions are at least `spacing` apart. The
// slot is reserved synchronously at call time (not at fire time), so
// concurrent callers never both compute a zero delay.
func (g *DeletionGate) ScheduleDestroy(sched scheduler.Scheduler, fn func()) scheduler.Handle {
	g.mu.Lock()
	now := time.Now()
	due := now
	if g.reserved && g.nextAvailable.After(now) {
		due = g.nextAvailable
	}
	g.nextAvailable = due.Add(g.spacing)
	g.reserved = true
	g.mu.Unlock()

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	return sched.AddOnce(delay, fn)
}
