package rendezvous

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

func newTestRegistry() *Registry {
	logger, _ := logtest.NewNullLogger()
	return NewRegistry(logger)
}

func TestAwaitTripsWhenAllArrive(t *testing.T) {
	reg := newTestRegistry()
	const parties = 4

	var released atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Await(context.Background(), "checkout", parties, 5*time.Second) {
				released.Add(1)
			}
		}()
	}
	wg.Wait()

	if released.Load() != parties {
		t.Errorf("released %d waiters, want %d", released.Load(), parties)
	}
}

func TestAwaitSinglePartyReturnsImmediately(t *testing.T) {
	reg := newTestRegistry()
	start := time.Now()
	if !reg.Await(context.Background(), "solo", 1, time.Second) {
		t.Error("single-party barrier should trip immediately")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("single-party barrier should not block")
	}
}

func TestAwaitTimeout(t *testing.T) {
	reg := newTestRegistry()

	start := time.Now()
	if reg.Await(context.Background(), "lonely", 2, 50*time.Millisecond) {
		t.Error("lone waiter should time out")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}

	// The abandoned slot must not count toward the next generation: two
	// fresh waiters still need each other.
	done := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- reg.Await(context.Background(), "lonely", 2, time.Second)
		}()
	}
	if !<-done || !<-done {
		t.Error("barrier should trip for two fresh waiters")
	}
}

func TestAwaitCancellation(t *testing.T) {
	reg := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		result <- reg.Await(ctx, "cancelled", 3, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		if ok {
			t.Error("cancelled waiter should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestBarrierIsReusable(t *testing.T) {
	reg := newTestRegistry()

	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		ok := make(chan bool, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok <- reg.Await(context.Background(), "loop", 2, time.Second)
			}()
		}
		wg.Wait()
		if !<-ok || !<-ok {
			t.Fatalf("round %d: barrier did not trip", round)
		}
	}
}

func TestResetReleasesWaiters(t *testing.T) {
	reg := newTestRegistry()

	released := make(chan bool, 1)
	go func() {
		released <- reg.Await(context.Background(), "stuck", 5, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Reset()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Reset did not release the waiter")
	}
}
