// Copyright 2025-2026 MirrorWire Contributors

// Package mirror implements the mirror engine core: it turns persisted
// mirror configurations into live platform sessions, schedules inbound
// message processing by plan tier, runs the media validation and image
// transform pipeline, and delivers results to webhook and chat destinations
// with retry and failure isolation.
package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/imagetx"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

const defaultReconcileInterval = 30 * time.Second

// ErrRestartRequested is returned by Run when the config store's restart
// flag was set externally; the process supervisor restarts the engine.
var ErrRestartRequested = errors.New("mirror: restart requested")

// EngineConfig tunes the engine's periodic work. Zero values take defaults.
type EngineConfig struct {
	CipherKey         string
	ReconcileInterval time.Duration

	Dispatcher DispatcherConfig
	RetryQueue RetryQueueConfig
	Tracker    TrackerConfig
	Handler    HandlerConfig
	Watermark  imagetx.WatermarkerConfig
}

// Engine owns the singleton services and the periodic loops driving them.
// Everything is constructed once here and passed by reference; there is no
// hidden global state.
type Engine struct {
	log       zerolog.Logger
	store     store.ConfigStore
	interval  time.Duration
	cancelCtx context.CancelFunc

	dispatcher *Dispatcher
	retry      *RetryQueue
	tracker    *Tracker
	handler    *Handler
	reconciler *Reconciler

	kick     chan struct{}
	stopOnce sync.Once
}

func NewEngine(log zerolog.Logger, cfg EngineConfig, st store.ConfigStore, connectors []platform.Connector) *Engine {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		log:       log.With().Str("component", "engine").Logger(),
		store:     st,
		interval:  cfg.ReconcileInterval,
		cancelCtx: cancel,
		kick:      make(chan struct{}, 1),
	}
	e.dispatcher = NewDispatcher(log, cfg.Dispatcher)
	e.tracker = NewTracker(log, cfg.Tracker)
	// The lookup closure reads e.reconciler, assigned below before any
	// flush can run.
	cfg.RetryQueue.Disable = func(ctx context.Context, configID string, reason store.StatusReason) {
		if err := st.Disable(ctx, configID, reason); err != nil {
			e.log.Error().Err(err).Str("config_id", configID).Msg("Failed to write disabled status")
		}
	}
	e.retry = NewRetryQueue(log, func(credential string) (platform.Session, bool) {
		if e.reconciler == nil {
			return nil, false
		}
		return e.reconciler.SessionFor(credential)
	}, cfg.RetryQueue)
	watermark := imagetx.NewWatermarker(log, cfg.Watermark)
	e.handler = NewHandler(ctx, log, st, e.dispatcher, e.retry, e.tracker, watermark, cfg.Handler)
	e.reconciler = NewReconciler(log, st, cfg.CipherKey, connectors, e.handler.OnMessage)
	return e
}

// Kick requests an immediate reconciliation pass, used after the external
// config store changes. Coalesces with any pending kick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives the periodic loops until ctx is cancelled or an external
// restart is requested, then shuts everything down in order.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Dur("reconcile_interval", e.interval).Msg("Mirror engine starting")
	defer e.shutdown(ctx)

	reconcileTicker := time.NewTicker(e.interval)
	defer reconcileTicker.Stop()
	// Queued deliveries flush at twice the reconciliation period.
	flushTicker := time.NewTicker(2 * e.interval)
	defer flushTicker.Stop()

	e.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
			e.reconcileOnce(ctx)
		case <-reconcileTicker.C:
			if e.restartRequested(ctx) {
				return ErrRestartRequested
			}
			e.reconcileOnce(ctx)
		case <-flushTicker.C:
			e.retry.Flush(ctx)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	configs, err := e.store.ActiveConfigs(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to read active configs, keeping previous session set")
		return
	}
	e.reconciler.Reconcile(ctx, configs)
	if err := e.store.Heartbeat(ctx, time.Now()); err != nil {
		e.log.Warn().Err(err).Msg("Failed to write heartbeat")
	}
	e.log.Debug().Int("configs", len(configs)).Int("sessions", e.reconciler.SessionCount()).Msg("Reconciliation pass complete")
}

func (e *Engine) restartRequested(ctx context.Context) bool {
	requested, err := e.store.RestartRequested(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to poll restart flag")
		return false
	}
	if requested {
		e.log.Info().Msg("External restart requested")
	}
	return requested
}

// shutdown stops intake, cancels background work, attempts one final retry
// flush while sessions are still alive, then releases the sessions.
func (e *Engine) shutdown(ctx context.Context) {
	e.stopOnce.Do(func() {
		e.log.Info().Msg("Mirror engine shutting down")
		e.dispatcher.Stop()
		e.tracker.Shutdown()
		e.cancelCtx()

		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		e.retry.Flush(flushCtx)

		e.reconciler.Close()
		e.log.Info().Msg("Mirror engine stopped")
	})
}
