// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTrackerTaskCompletesAndUnregisters(t *testing.T) {
	t.Parallel()
	tr := NewTracker(zerolog.Nop(), TrackerConfig{})
	defer tr.Shutdown()

	done := make(chan struct{})
	tr.Go(context.Background(), "quick", func(context.Context) error {
		close(done)
		return nil
	})
	<-done

	deadline := time.Now().Add(time.Second)
	for tr.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task still tracked after completion, Len = %d", tr.Len())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTrackerCeilingCancelsTask(t *testing.T) {
	t.Parallel()
	tr := NewTracker(zerolog.Nop(), TrackerConfig{Ceiling: 20 * time.Millisecond})
	defer tr.Shutdown()

	cancelled := make(chan error, 1)
	tr.Go(context.Background(), "longhaul", func(ctx context.Context) error {
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-cancelled:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("task cancelled with %v, want deadline exceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ceiling did not cancel the task")
	}
}

func TestTrackerSweepForceCancelsOverdueTask(t *testing.T) {
	t.Parallel()
	tr := NewTracker(zerolog.Nop(), TrackerConfig{Ceiling: time.Hour, SweepInterval: time.Hour})
	defer tr.Shutdown()

	cancelled := make(chan struct{})
	tr.Go(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return nil
	})

	// Pretend the task has been running past twice the ceiling.
	tr.sweep(time.Now().Add(3 * time.Hour))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("sweep did not force-cancel the overdue task")
	}
	if tr.Len() != 0 {
		t.Errorf("swept task still tracked, Len = %d", tr.Len())
	}
}

func TestTrackerShutdownCancelsInFlight(t *testing.T) {
	t.Parallel()
	tr := NewTracker(zerolog.Nop(), TrackerConfig{})

	started := make(chan struct{})
	finished := make(chan struct{})
	tr.Go(context.Background(), "inflight", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return nil
	})
	<-started

	tr.Shutdown()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("shutdown returned before the task was cancelled")
	}
}
