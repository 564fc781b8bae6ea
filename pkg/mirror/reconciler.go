// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/cipher"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/policy"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

// InboundHandler receives a normalized message event together with the
// configs routed to it, the session it arrived on and that session's
// decrypted credential (the retry queue's session lookup key).
// Implementations must hand off to the dispatcher and return immediately.
type InboundHandler func(ev platform.MessageEvent, configs []*store.MirrorConfig, conn platform.Session, credential string)

type sessionKey struct {
	kind       platform.ClientKind
	credential string
}

// Reconciler converts config snapshots into a live set of per-credential
// sessions: at most one session per (credential, client kind), started only
// after successful authentication, updated in place, destroyed when the
// last config referencing the credential disappears.
type Reconciler struct {
	log        zerolog.Logger
	store      store.ConfigStore
	cipherKey  string
	connectors map[platform.ClientKind]platform.Connector
	handler    InboundHandler

	mu       sync.Mutex
	sessions map[sessionKey]*liveSession
}

func NewReconciler(log zerolog.Logger, st store.ConfigStore, cipherKey string, connectors []platform.Connector, handler InboundHandler) *Reconciler {
	byKind := make(map[platform.ClientKind]platform.Connector, len(connectors))
	for _, c := range connectors {
		byKind[c.Kind()] = c
	}
	return &Reconciler{
		log:        log.With().Str("component", "reconciler").Logger(),
		store:      st,
		cipherKey:  cipherKey,
		connectors: byKind,
		handler:    handler,
		sessions:   make(map[sessionKey]*liveSession),
	}
}

// Reconcile drives the session set toward the given snapshot of active
// configs. Platform partitions run concurrently, as do per-credential
// starts and updates; a single credential's failure never blocks others.
func (r *Reconciler) Reconcile(ctx context.Context, configs []*store.MirrorConfig) {
	usable := r.enforcePolicies(ctx, configs)

	partitions := make(map[platform.ClientKind][]*store.MirrorConfig)
	for _, cfg := range usable {
		kind := platform.ClientKind(cfg.ClientKind)
		partitions[kind] = append(partitions[kind], cfg)
	}
	// Kinds with no remaining configs still need their sessions torn down.
	for key := range r.snapshotKeys() {
		if _, ok := partitions[key.kind]; !ok {
			partitions[key.kind] = nil
		}
	}

	var wg sync.WaitGroup
	for kind, part := range partitions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reconcileKind(ctx, kind, part)
		}()
	}
	wg.Wait()
}

// enforcePolicies applies the advisory plan checks, disabling violators and
// returning the configs eligible for this cycle's routing tables.
func (r *Reconciler) enforcePolicies(ctx context.Context, configs []*store.MirrorConfig) []*store.MirrorConfig {
	byOwner := make(map[string][]*store.MirrorConfig)
	var owners []string
	for _, cfg := range configs {
		if _, ok := byOwner[cfg.OwnerID]; !ok {
			owners = append(owners, cfg.OwnerID)
		}
		byOwner[cfg.OwnerID] = append(byOwner[cfg.OwnerID], cfg)
	}

	var usable []*store.MirrorConfig
	for _, owner := range owners {
		kept, over := policy.EnforcePathLimit(byOwner[owner])
		for _, cfg := range over {
			r.disable(ctx, cfg, store.StatusPathLimitReached)
		}
		for _, cfg := range kept {
			if !r.validConfig(ctx, cfg) {
				continue
			}
			usable = append(usable, cfg)
		}
	}
	return usable
}

func (r *Reconciler) validConfig(ctx context.Context, cfg *store.MirrorConfig) bool {
	hasWebhook := cfg.WebhookDestination()
	hasChat := cfg.DestChatID != ""
	if hasWebhook == hasChat {
		r.disable(ctx, cfg, store.StatusConfigurationError)
		return false
	}
	kind := platform.ClientKind(cfg.ClientKind)
	if !policy.SourceAllowed(cfg.Plan, cfg.SourcePlatform, kind) {
		r.disable(ctx, cfg, store.StatusPlanRestriction)
		return false
	}
	if !policy.DestinationAllowed(cfg.Plan, cfg) {
		r.disable(ctx, cfg, store.StatusPlanRestriction)
		return false
	}
	if _, ok := r.connectors[kind]; !ok {
		// No connector wired for this kind in this deployment. Skip, do
		// not disable: the config may be served elsewhere.
		r.log.Warn().Str("config_id", cfg.ID).Str("kind", cfg.ClientKind).Msg("No connector for client kind, skipping config")
		return false
	}
	return true
}

func (r *Reconciler) disable(ctx context.Context, cfg *store.MirrorConfig, reason store.StatusReason) {
	r.log.Info().Str("config_id", cfg.ID).Str("reason", string(reason)).Msg("Disabling mirror config")
	if err := r.store.Disable(ctx, cfg.ID, reason); err != nil {
		r.log.Error().Err(err).Str("config_id", cfg.ID).Msg("Failed to write disabled status")
	}
}

// reconcileKind diffs one client kind's desired credential grouping against
// its live sessions.
func (r *Reconciler) reconcileKind(ctx context.Context, kind platform.ClientKind, configs []*store.MirrorConfig) {
	connector := r.connectors[kind]
	if connector == nil && len(configs) > 0 {
		return
	}

	// Group by decrypted credential. A value that fails decryption or the
	// platform shape check means "no usable credential this cycle": the
	// config is skipped, never disabled, because the failure may be a
	// transient key or data problem rather than a revoked credential.
	groups := make(map[string][]*store.MirrorConfig)
	for _, cfg := range configs {
		credential, rounds, ok := cipher.Peel(cfg.Credential, r.cipherKey)
		if !ok {
			r.log.Warn().Str("config_id", cfg.ID).Msg("Credential failed decryption, skipping config this cycle")
			continue
		}
		if rounds > 1 {
			r.log.Warn().Str("config_id", cfg.ID).Int("rounds", rounds).Msg("Credential was encrypted more than once")
		}
		if !connector.ValidCredential(credential) {
			r.log.Warn().Str("config_id", cfg.ID).Msg("Credential failed platform shape check, skipping config this cycle")
			continue
		}
		groups[credential] = append(groups[credential], cfg)
	}

	// Tear down sessions whose credential left the desired set.
	r.mu.Lock()
	var stale []*liveSession
	for key, ls := range r.sessions {
		if key.kind != kind {
			continue
		}
		if _, ok := groups[key.credential]; !ok {
			stale = append(stale, ls)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()
	for _, ls := range stale {
		r.log.Info().Str("kind", string(kind)).Msg("Removing session with no remaining configs")
		if conn := ls.connection(); conn != nil {
			conn.Close()
		}
	}

	// Start or update per credential, settle-all.
	var wg sync.WaitGroup
	for credential, group := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.settleCredential(ctx, connector, kind, credential, group)
		}()
	}
	wg.Wait()
}

// settleCredential ensures one healthy session for a credential and swaps
// in the cycle's routing table.
func (r *Reconciler) settleCredential(ctx context.Context, connector platform.Connector, kind platform.ClientKind, credential string, group []*store.MirrorConfig) {
	key := sessionKey{kind: kind, credential: credential}
	routes := buildRoutes(group)

	r.mu.Lock()
	ls, exists := r.sessions[key]
	r.mu.Unlock()

	if exists {
		ls.replaceRoutes(routes)
		conn := ls.connection()
		if conn != nil && !conn.Connected() {
			// Reconnect in place rather than tearing down: the routing
			// table and handler registration survive.
			r.log.Info().Str("kind", string(kind)).Msg("Session disconnected, reconnecting in place")
			if err := conn.Reconnect(ctx); err != nil {
				r.log.Warn().Err(err).Str("kind", string(kind)).Msg("Reconnect failed, will retry next cycle")
			}
		}
		return
	}

	ls = newLiveSession(nil)
	ls.replaceRoutes(routes)
	onMessage := func(ev platform.MessageEvent) {
		matched := ls.match(ev.SourceID, ev.TopicID)
		if len(matched) == 0 {
			return
		}
		r.handler(ev, matched, ls.connection(), credential)
	}

	conn, err := connector.Dial(ctx, credential, onMessage)
	if err != nil {
		if errors.Is(err, platform.ErrAuthFailed) {
			// A hard auth failure condemns every config on the credential.
			r.log.Warn().Err(err).Str("kind", string(kind)).Int("configs", len(group)).Msg("Authentication failed, disabling configs on credential")
			for _, cfg := range group {
				r.disable(ctx, cfg, authFailureStatus(kind))
			}
			return
		}
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("Session dial failed, will retry next cycle")
		return
	}

	// Register only after successful authentication so repeated failures
	// are never masked as a started session.
	ls.setConnection(conn)
	r.mu.Lock()
	r.sessions[key] = ls
	r.mu.Unlock()
	r.log.Info().Str("kind", string(kind)).Int("routes", ls.routeCount()).Msg("Session started")
}

func authFailureStatus(kind platform.ClientKind) store.StatusReason {
	if kind == platform.KindTelegram {
		return store.StatusSessionInvalidated
	}
	return store.StatusTokenInvalid
}

// SessionFor resolves the live session for a decrypted credential, used by
// the retry queue's flush path.
func (r *Reconciler) SessionFor(credential string) (platform.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ls := range r.sessions {
		if key.credential == credential {
			if conn := ls.connection(); conn != nil {
				return conn, true
			}
		}
	}
	return nil, false
}

// SessionCount reports the number of live sessions.
func (r *Reconciler) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Reconciler) snapshotKeys() map[sessionKey]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make(map[sessionKey]struct{}, len(r.sessions))
	for key := range r.sessions {
		keys[key] = struct{}{}
	}
	return keys
}

// Close tears down every session, used at shutdown after the final retry
// flush.
func (r *Reconciler) Close() {
	r.mu.Lock()
	sessions := make([]*liveSession, 0, len(r.sessions))
	for _, ls := range r.sessions {
		sessions = append(sessions, ls)
	}
	r.sessions = make(map[sessionKey]*liveSession)
	r.mu.Unlock()
	for _, ls := range sessions {
		if conn := ls.connection(); conn != nil {
			conn.Close()
		}
	}
}
