package pkghandler

import (
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

type fakeVariant struct {
	head wire.Header
}

func (f fakeVariant) Head() wire.Header { return f.head }

func TestDispatchStopsAtFirstConsumer(t *testing.T) {
	r := New(scheduler.New(), logging.Noop())
	var calls []string
	r.On(wire.TypeBroadcast, func(wire.Variant, *framing.Connection, time.Time) bool {
		calls = append(calls, "first")
		return false
	})
	r.On(wire.TypeBroadcast, func(wire.Variant, *framing.Connection, time.Time) bool {
		calls = append(calls, "second")
		return true
	})
	r.On(wire.TypeBroadcast, func(wire.Variant, *framing.Connection, time.Time) bool {
		calls = append(calls, "third")
		return true
	})

	consumed := r.Dispatch(fakeVariant{head: wire.Header{Type: wire.TypeBroadcast}}, nil, time.Now())
	if !consumed {
		t.Fatalf("Dispatch must report consumed once a handler returns true")
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("handler call order = %v, want [first second]", calls)
	}
}

func TestDispatchUnconsumedWhenNoHandlerMatches(t *testing.T) {
	r := New(scheduler.New(), logging.Noop())
	if r.Dispatch(fakeVariant{head: wire.Header{Type: wire.TypeSingle}}, nil, time.Now()) {
		t.Fatalf("Dispatch must report unconsumed when no handler is registered for the type")
	}
}

func TestDispatchRecoversPanicAsConsumed(t *testing.T) {
	r := New(scheduler.New(), logging.Noop())
	r.On(wire.TypeSingle, func(wire.Variant, *framing.Connection, time.Time) bool {
		panic("boom")
	})
	if !r.Dispatch(fakeVariant{head: wire.Header{Type: wire.TypeSingle}}, nil, time.Now()) {
		t.Fatalf("a panicking handler must be treated as having consumed the package")
	}
}

func TestAddTaskFixedRepeatCountFiresThatManyTimes(t *testing.T) {
	sched := scheduler.New()
	go sched.Run()
	defer sched.Stop()

	r := New(sched, logging.Noop())
	done := make(chan struct{})
	count := 0
	r.AddTask(time.Millisecond, 3, func() {
		count++
		if count == 3 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("AddTask with repeatCount=3 never fired 3 times, got %d", count)
	}
}
