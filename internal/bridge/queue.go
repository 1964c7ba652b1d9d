package bridge

import (
	"time"

	"github.com/wireweave/mesh/internal/scheduler"
)

// Priority is one of the four offline-queue priority tiers (spec.md
// §4.H.5), ordered low to high.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// QueuedMessage is one pending message awaiting internet connectivity.
type QueuedMessage struct {
	Priority Priority
	Payload  []byte
	Send     func([]byte) error
}

// Queue is the bounded, priority-evicting offline message queue
// (spec.md §4.H.5). queueMessage never blocks.
type Queue struct {
	capacity int
	sched    scheduler.Scheduler
	flushGap time.Duration

	tiers [4][]QueuedMessage

	// OnQueueFull fires whenever a message is rejected: the queue is full
	// and holds nothing of lower priority to evict (for a CRITICAL message,
	// only CRITICAL messages remain).
	OnQueueFull func(QueuedMessage)
	// OnMessageQueued fires whenever a message is accepted.
	OnMessageQueued func(QueuedMessage)
	// OnQueueFlushed fires once the queue empties after a flush.
	OnQueueFlushed func()
}

// NewQueue builds an empty Queue.
func NewQueue(capacity int, flushGap time.Duration, sched scheduler.Scheduler) *Queue {
	if capacity <= 0 {
		capacity = 50
	}
	return &Queue{capacity: capacity, sched: sched, flushGap: flushGap}
}

// Len returns the total number of messages across every priority tier.
func (q *Queue) Len() int {
	n := 0
	for _, t := range q.tiers {
		n += len(t)
	}
	return n
}

// QueueMessage enqueues msg, evicting lower-priority messages if the queue
// is at capacity (spec.md §4.H.5). Returns false if msg was rejected.
func (q *Queue) QueueMessage(msg QueuedMessage) bool {
	if q.Len() < q.capacity {
		q.push(msg)
		return true
	}

	// Evict LOW, then NORMAL, then HIGH — never CRITICAL — to make room.
	for tier := PriorityLow; tier < msg.Priority; tier++ {
		if len(q.tiers[tier]) > 0 {
			q.tiers[tier] = q.tiers[tier][1:]
			q.push(msg)
			return true
		}
	}
	if msg.Priority == PriorityCritical {
		for tier := PriorityLow; tier < PriorityCritical; tier++ {
			if len(q.tiers[tier]) > 0 {
				q.tiers[tier] = q.tiers[tier][1:]
				q.push(msg)
				return true
			}
		}
	}

	if q.OnQueueFull != nil {
		q.OnQueueFull(msg)
	}
	return false
}

func (q *Queue) push(msg QueuedMessage) {
	q.tiers[msg.Priority] = append(q.tiers[msg.Priority], msg)
	if q.OnMessageQueued != nil {
		q.OnMessageQueued(msg)
	}
}

// Flush drains the queue in priority order (CRITICAL first), FIFO within
// a tier, with flushGap spacing between sends (spec.md §4.H.5).
func (q *Queue) Flush() {
	var ordered []QueuedMessage
	for tier := PriorityCritical; tier >= PriorityLow; tier-- {
		ordered = append(ordered, q.tiers[tier]...)
		q.tiers[tier] = nil
	}
	q.sendNext(ordered, 0)
}

func (q *Queue) sendNext(ordered []QueuedMessage, idx int) {
	if idx >= len(ordered) {
		if q.OnQueueFlushed != nil {
			q.OnQueueFlushed()
		}
		return
	}
	msg := ordered[idx]
	if msg.Send != nil {
		_ = msg.Send(msg.Payload)
	}
	q.sched.AddOnce(q.flushGap, func() {
		q.sendNext(ordered, idx+1)
	})
}
