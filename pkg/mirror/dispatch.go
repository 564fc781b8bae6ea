// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/policy"
)

const (
	defaultDispatchPacing   = 50 * time.Millisecond
	defaultDispatchCapacity = 1024
)

// Dispatcher schedules per-message handler tasks by plan tier. Top-tier
// work runs immediately on its own goroutine, isolated from everything
// else. All lower tiers share one FIFO queue drained by a single paced
// loop, so a burst of low-tier traffic cannot starve the scheduler or
// stampede destinations.
type Dispatcher struct {
	log      zerolog.Logger
	queue    chan namedTask
	pacing   time.Duration
	draining atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type namedTask struct {
	name string
	run  func()
}

// DispatcherConfig bounds the shared queue and its pacing delay.
type DispatcherConfig struct {
	Pacing   time.Duration
	Capacity int
}

func NewDispatcher(log zerolog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Pacing <= 0 {
		cfg.Pacing = defaultDispatchPacing
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultDispatchCapacity
	}
	return &Dispatcher{
		log:    log.With().Str("component", "dispatcher").Logger(),
		queue:  make(chan namedTask, cfg.Capacity),
		pacing: cfg.Pacing,
		stop:   make(chan struct{}),
	}
}

// Enqueue schedules a task. The task must not be nil; its panic or failure
// is caught and logged without affecting other tasks.
func (d *Dispatcher) Enqueue(tier policy.Tier, name string, task func()) {
	if tier >= policy.TopTier {
		d.spawn(name, task)
		return
	}
	select {
	case d.queue <- namedTask{name: name, run: task}:
		d.ensureDrain()
	case <-d.stop:
	default:
		d.log.Warn().Str("task", name).Msg("Dispatch queue full, dropping task")
	}
}

// ensureDrain starts the shared drain loop exactly once.
func (d *Dispatcher) ensureDrain() {
	if !d.draining.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go d.drainLoop()
}

// drainLoop dequeues one task at a time, starts it without waiting for it
// to finish, then sleeps the pacing delay. One slow task never blocks
// dispatch of the next.
func (d *Dispatcher) drainLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case task := <-d.queue:
			d.spawn(task.name, task.run)
		}
		select {
		case <-d.stop:
			return
		case <-time.After(d.pacing):
		}
	}
}

func (d *Dispatcher) spawn(name string, task func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Str("task", name).Any("panic", r).Msg("Dispatched task panicked")
			}
		}()
		task()
	}()
}

// Stop halts the drain loop and waits for in-flight tasks to finish.
// Queued tasks that were never started are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}
