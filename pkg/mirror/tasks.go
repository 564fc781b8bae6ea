// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTaskCeiling   = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// Tracker accounts for detached long-running tasks (snapshot fetches,
// large media downloads). Every task runs under a context that times out at
// the ceiling; a periodic sweep force-cancels anything that somehow
// outlives twice the ceiling as a safety net.
type Tracker struct {
	log     zerolog.Logger
	ceiling time.Duration

	mu    sync.Mutex
	tasks map[uuid.UUID]*trackedTask

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

type trackedTask struct {
	name    string
	cancel  context.CancelFunc
	started time.Time
}

// TrackerConfig bounds task lifetimes. Zero values take defaults.
type TrackerConfig struct {
	Ceiling       time.Duration
	SweepInterval time.Duration
}

func NewTracker(log zerolog.Logger, cfg TrackerConfig) *Tracker {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultTaskCeiling
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	t := &Tracker{
		log:     log.With().Str("component", "task_tracker").Logger(),
		ceiling: cfg.Ceiling,
		tasks:   make(map[uuid.UUID]*trackedTask),
		stop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop(cfg.SweepInterval)
	return t
}

// Go spawns fn under a ceiling-bounded context and tracks it until it
// returns. The task's error is logged, never propagated; a detached task
// must not take the process down.
func (t *Tracker) Go(ctx context.Context, name string, fn func(ctx context.Context) error) uuid.UUID {
	id := uuid.New()
	taskCtx, cancel := context.WithTimeout(ctx, t.ceiling)

	t.mu.Lock()
	t.tasks[id] = &trackedTask{name: name, cancel: cancel, started: time.Now()}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		defer func() {
			t.mu.Lock()
			delete(t.tasks, id)
			t.mu.Unlock()
		}()
		if err := fn(taskCtx); err != nil {
			t.log.Warn().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
	return id
}

// Len reports the number of tasks currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// sweepLoop force-cancels tasks older than twice the ceiling. The ceiling
// context normally fires first; the sweep only matters when a task's own
// timeout was somehow lost.
func (t *Tracker) sweepLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	limit := 2 * t.ceiling
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, task := range t.tasks {
		if age := now.Sub(task.started); age > limit {
			t.log.Warn().Str("task", task.name).Dur("age", age).Msg("Force-cancelling overdue background task")
			task.cancel()
			delete(t.tasks, id)
		}
	}
}

// Shutdown cancels every in-flight task and waits for them to return.
func (t *Tracker) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	t.mu.Lock()
	for _, task := range t.tasks {
		task.cancel()
	}
	t.mu.Unlock()
	t.wg.Wait()
}
