// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"sync"
	"time"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

// liveSession pairs one authenticated platform connection with the routing
// table mapping source ids to the configs that mirror them. The table is
// owned by the reconciler and replaced wholesale each pass, never mutated
// incrementally.
type liveSession struct {
	mu         sync.RWMutex
	conn       platform.Session
	routes     map[string][]*store.MirrorConfig
	lastActive time.Time
}

func newLiveSession(conn platform.Session) *liveSession {
	return &liveSession{
		conn:       conn,
		routes:     make(map[string][]*store.MirrorConfig),
		lastActive: time.Now(),
	}
}

// setConnection installs the platform connection once Dial has succeeded.
func (s *liveSession) setConnection(conn platform.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// connection returns the platform connection, nil before setConnection.
func (s *liveSession) connection() platform.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// replaceRoutes swaps in a freshly built routing table.
func (s *liveSession) replaceRoutes(routes map[string][]*store.MirrorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = routes
	s.lastActive = time.Now()
}

// match resolves the configs mirroring a source, optionally filtered by
// topic. Configs without a topic filter match every topic in the source.
func (s *liveSession) match(sourceID, topicID string) []*store.MirrorConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*store.MirrorConfig
	for _, cfg := range s.routes[sourceID] {
		if cfg.SourceTopic == "" || cfg.SourceTopic == topicID {
			matched = append(matched, cfg)
		}
	}
	return matched
}

// routeCount reports the number of distinct source ids routed.
func (s *liveSession) routeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes)
}

// buildRoutes groups configs by source id into a routing table.
func buildRoutes(configs []*store.MirrorConfig) map[string][]*store.MirrorConfig {
	routes := make(map[string][]*store.MirrorConfig)
	for _, cfg := range configs {
		routes[cfg.SourceChannel] = append(routes[cfg.SourceChannel], cfg)
	}
	return routes
}
