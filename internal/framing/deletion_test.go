package framing

import (
	"sync"
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/scheduler"
)

func TestDeletionGateSpacesConsecutiveDestructions(t *testing.T) {
	sched := scheduler.New()
	go sched.Run()
	defer sched.Stop()

	gate := NewDeletionGate(50 * time.Millisecond)

	var mu sync.Mutex
	var fired []time.Time
	record := func() {
		mu.Lock()
		fired = append(fired, time.Now())
		mu.Unlock()
	}

	gate.ScheduleDestroy(sched, record)
	gate.ScheduleDestroy(sched, record)
	gate.ScheduleDestroy(sched, record)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 3 scheduled destructions fired", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(fired); i++ {
		gap := fired[i].Sub(fired[i-1])
		if gap < 45*time.Millisecond {
			t.Fatalf("destructions %d and %d fired only %v apart, want >= ~50ms", i-1, i, gap)
		}
	}
}

func TestDeletionGateReservesSlotSynchronously(t *testing.T) {
	sched := scheduler.New()
	go sched.Run()
	defer sched.Stop()

	gate := NewDeletionGate(100 * time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var fired []time.Time
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.ScheduleDestroy(sched, func() {
				mu.Lock()
				fired = append(fired, time.Now())
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 2 scheduled destructions fired", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	gap := fired[1].Sub(fired[0])
	if gap < 0 {
		gap = -gap
	}
	if gap < 90*time.Millisecond {
		t.Fatalf("two concurrently-reserved destructions fired %v apart, want >= ~100ms", gap)
	}
}
