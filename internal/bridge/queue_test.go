package bridge

import (
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/scheduler"
)

// syncScheduler runs AddOnce callbacks immediately and inline, so Flush's
// gap-spaced recursion completes synchronously inside the test.
type syncScheduler struct{}

func (syncScheduler) AddOnce(_ time.Duration, fn func()) scheduler.Handle { fn(); return 0 }
func (syncScheduler) AddPeriodic(_ time.Duration, _ func()) scheduler.Handle { return 0 }
func (syncScheduler) Cancel(scheduler.Handle)                                {}
func (syncScheduler) Post(fn func())                                        { fn() }
func (syncScheduler) Run()                                                  {}
func (syncScheduler) Stop()                                                 {}

func TestQueueMessageFillsThenEvictsLowestFirst(t *testing.T) {
	q := NewQueue(2, time.Millisecond, syncScheduler{})

	if !q.QueueMessage(QueuedMessage{Priority: PriorityLow, Payload: []byte("a")}) {
		t.Fatalf("first message must be accepted")
	}
	if !q.QueueMessage(QueuedMessage{Priority: PriorityLow, Payload: []byte("b")}) {
		t.Fatalf("second message must be accepted, queue is at capacity exactly")
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	// Queue is full of LOW messages; a NORMAL message must evict one LOW.
	if !q.QueueMessage(QueuedMessage{Priority: PriorityNormal, Payload: []byte("c")}) {
		t.Fatalf("a higher-priority message must evict a LOW one to make room")
	}
	if q.Len() != 2 {
		t.Fatalf("Len after eviction = %d, want 2", q.Len())
	}
}

func TestQueueRejectsLowWhenFullOfHigherPriority(t *testing.T) {
	q := NewQueue(1, time.Millisecond, syncScheduler{})
	q.QueueMessage(QueuedMessage{Priority: PriorityCritical, Payload: []byte("keep")})

	var full QueuedMessage
	q.OnQueueFull = func(m QueuedMessage) { full = m }

	if q.QueueMessage(QueuedMessage{Priority: PriorityLow, Payload: []byte("drop")}) {
		t.Fatalf("a LOW message must not evict anything and be rejected when full")
	}
	if string(full.Payload) != "drop" {
		t.Fatalf("OnQueueFull must fire with the rejected message")
	}
}

func TestQueueNeverEvictsCritical(t *testing.T) {
	q := NewQueue(1, time.Millisecond, syncScheduler{})
	q.QueueMessage(QueuedMessage{Priority: PriorityCritical, Payload: []byte("a")})
	if q.QueueMessage(QueuedMessage{Priority: PriorityCritical, Payload: []byte("b")}) {
		t.Fatalf("a second CRITICAL message must be rejected, not evict the first")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestQueueFlushOrdersCriticalFirstFIFOWithinTier(t *testing.T) {
	q := NewQueue(10, time.Millisecond, syncScheduler{})
	var order []string
	send := func(tag string) func([]byte) error {
		return func([]byte) error { order = append(order, tag); return nil }
	}
	q.QueueMessage(QueuedMessage{Priority: PriorityLow, Payload: []byte("low1"), Send: send("low1")})
	q.QueueMessage(QueuedMessage{Priority: PriorityCritical, Payload: []byte("crit1"), Send: send("crit1")})
	q.QueueMessage(QueuedMessage{Priority: PriorityLow, Payload: []byte("low2"), Send: send("low2")})
	q.QueueMessage(QueuedMessage{Priority: PriorityCritical, Payload: []byte("crit2"), Send: send("crit2")})

	flushed := false
	q.OnQueueFlushed = func() { flushed = true }
	q.Flush()

	want := []string{"crit1", "crit2", "low1", "low2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
	if !flushed {
		t.Fatalf("OnQueueFlushed must fire once every message has been sent")
	}
	if q.Len() != 0 {
		t.Fatalf("queue must be empty after a flush")
	}
}
