// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/policy"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(zerolog.Nop(), DispatcherConfig{Pacing: time.Millisecond})
}

func TestDispatcherTopTierRunsImmediately(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	defer d.Stop()

	done := make(chan struct{})
	d.Enqueue(policy.TopTier, "top", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("top-tier task did not run")
	}
}

func TestDispatcherDrainsSharedQueueInOrder(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	defer d.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		d.Enqueue(policy.TierFree, "task", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(order))
	}
	// Start order is FIFO. Tasks record before any other is dispatched
	// because the pacing delay exceeds the recording work.
	for i, got := range order {
		if got != i {
			t.Errorf("dispatch order %v, want ascending", order)
			break
		}
	}
}

func TestDispatcherSlowTaskDoesNotBlockNext(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	defer d.Stop()

	release := make(chan struct{})
	fastDone := make(chan struct{})
	d.Enqueue(policy.TierBasic, "slow", func() { <-release })
	d.Enqueue(policy.TierBasic, "fast", func() { close(fastDone) })

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("second task blocked behind a slow first task")
	}
	close(release)
}

func TestDispatcherSurvivesPanickingTask(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	defer d.Stop()

	done := make(chan struct{})
	d.Enqueue(policy.TierBasic, "bad", func() { panic("boom") })
	d.Enqueue(policy.TierBasic, "good", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not survive a panicking task")
	}
}

func TestDispatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher()
	d.Enqueue(policy.TierBasic, "task", func() {})
	d.Stop()
	d.Stop()
}
