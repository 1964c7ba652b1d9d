// Package scheduler specifies the cooperative task scheduler external
// collaborator (spec.md §6) and provides a real single-goroutine
// implementation: everything the mesh does — timer firings, transport
// callbacks, application sends — runs on one task, funneled through a
// thread-safe inbox the way spec.md §5 requires. No mesh state is ever
// touched from any other goroutine.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Handle identifies a scheduled task so it can be cancelled.
type Handle uint64

// Scheduler is the cooperative task scheduler external collaborator.
type Scheduler interface {
	// AddOnce schedules fn to run once, after delay. A delay of 0 still
	// defers fn to the next tick — it is never invoked inline (spec.md
	// §5, §9).
	AddOnce(delay time.Duration, fn func()) Handle

	// AddPeriodic schedules fn to run every period until cancelled.
	AddPeriodic(period time.Duration, fn func()) Handle

	// Cancel stops a pending or periodic task. Safe to call from any
	// goroutine; safe to call twice.
	Cancel(h Handle)

	// Post funnels an externally-produced event (a radio or transport
	// callback) onto the scheduler's single task, run in submission
	// order relative to other Post calls. Safe to call from any
	// goroutine.
	Post(fn func())

	// Run blocks, executing tasks as they come due, until Stop is
	// called.
	Run()

	// Stop cancels every pending task and causes Run to return. After
	// Stop returns, no task will run again on this Scheduler.
	Stop()
}

type task struct {
	handle   Handle
	due      time.Time
	period   time.Duration // 0 for one-shot
	fn       func()
	index    int
	canceled bool
}

// taskHeap is a min-heap on due time.
type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type real struct {
	mu       sync.Mutex
	inbox    []func()
	wake     chan struct{}
	stopped  chan struct{}
	byHandle map[Handle]*task
	pending  taskHeap
	nextID   Handle
}

// New returns a real, running-on-the-current-goroutine-when-Run-is-called
// Scheduler.
func New() Scheduler {
	return &real{
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		byHandle: make(map[Handle]*task),
	}
}

func (s *real) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *real) AddOnce(delay time.Duration, fn func()) Handle {
	return s.add(delay, 0, fn)
}

func (s *real) AddPeriodic(period time.Duration, fn func()) Handle {
	if period <= 0 {
		period = time.Millisecond
	}
	return s.add(period, period, fn)
}

func (s *real) add(delay, period time.Duration, fn func()) Handle {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	t := &task{handle: id, due: time.Now().Add(delay), period: period, fn: fn}
	s.byHandle[id] = t
	heap.Push(&s.pending, t)
	s.mu.Unlock()
	s.nudge()
	return id
}

func (s *real) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byHandle[h]; ok {
		t.canceled = true
		delete(s.byHandle, h)
	}
}

func (s *real) Post(fn func()) {
	s.mu.Lock()
	s.inbox = append(s.inbox, fn)
	s.mu.Unlock()
	s.nudge()
}

func (s *real) drainInbox() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil
	}
	batch := s.inbox
	s.inbox = nil
	return batch
}

func (s *real) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending.Len() > 0 && s.pending[0].canceled {
		heap.Pop(&s.pending)
	}
	if s.pending.Len() == 0 {
		return time.Time{}, false
	}
	return s.pending[0].due, true
}

func (s *real) popDue(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*task
	for s.pending.Len() > 0 {
		t := s.pending[0]
		if t.canceled {
			heap.Pop(&s.pending)
			continue
		}
		if t.due.After(now) {
			break
		}
		heap.Pop(&s.pending)
		due = append(due, t)
		if t.period > 0 {
			t.due = now.Add(t.period)
			heap.Push(&s.pending, t)
		} else {
			delete(s.byHandle, t.handle)
		}
	}
	return due
}

func (s *real) Run() {
	for {
		for _, fn := range s.drainInbox() {
			safeCall(fn)
		}

		select {
		case <-s.stopped:
			return
		default:
		}

		now := time.Now()
		for _, t := range s.popDue(now) {
			if t.canceled {
				continue
			}
			safeCall(t.fn)
		}

		due, ok := s.nextDue()
		var timer <-chan time.Time
		if ok {
			d := due.Sub(time.Now())
			if d < 0 {
				d = 0
			}
			tm := time.NewTimer(d)
			defer tm.Stop()
			timer = tm.C
		}

		select {
		case <-s.stopped:
			return
		case <-s.wake:
		case <-timer:
		}
	}
}

func (s *real) Stop() {
	s.mu.Lock()
	s.pending = nil
	s.byHandle = make(map[Handle]*task)
	s.inbox = nil
	s.mu.Unlock()
	select {
	case <-s.stopped:
		// already stopped
	default:
		close(s.stopped)
	}
}

// safeCall runs fn and recovers any panic, logging is left to the caller's
// own handler wrapping (handlers are already wrapped per spec.md §7's
// "programming error" policy); this is the last-resort backstop so one
// broken task can never kill the scheduler loop.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
