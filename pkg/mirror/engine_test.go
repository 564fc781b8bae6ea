// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

// engineStore serves a scripted config snapshot and counts reads.
type engineStore struct {
	fakeStore
	mu      sync.Mutex
	configs []*store.MirrorConfig
	reads   int
	restart bool
}

func (s *engineStore) ActiveConfigs(context.Context) ([]*store.MirrorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.configs, nil
}

func (s *engineStore) RestartRequested(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart, nil
}

func (s *engineStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func newEngineStore(configs ...*store.MirrorConfig) *engineStore {
	return &engineStore{
		fakeStore: *newFakeStore(),
		configs:   configs,
	}
}

func TestEngineRunReconcilesAndShutsDown(t *testing.T) {
	t.Parallel()
	st := newEngineStore(testConfig("a", "owner-1", "valid-cred-1"))
	connector := &fakeConnector{kind: platform.KindDiscordBot}
	e := NewEngine(zerolog.Nop(), EngineConfig{
		CipherKey:         testCipherKey,
		ReconcileInterval: time.Hour, // only the startup pass runs
	}, st, []platform.Connector{connector})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for connector.dialCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup reconciliation never dialed the session")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !connector.conn(0).closed {
		t.Error("shutdown did not close the live session")
	}
}

func TestEngineKickTriggersReconcile(t *testing.T) {
	t.Parallel()
	st := newEngineStore()
	e := NewEngine(zerolog.Nop(), EngineConfig{
		CipherKey:         testCipherKey,
		ReconcileInterval: time.Hour,
	}, st, []platform.Connector{&fakeConnector{kind: platform.KindDiscordBot}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for st.readCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("startup pass never read configs")
		}
		time.Sleep(time.Millisecond)
	}

	e.Kick()
	deadline = time.Now().Add(time.Second)
	for st.readCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("kick did not trigger a reconciliation pass")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

func TestEngineRestartFlagStopsRun(t *testing.T) {
	t.Parallel()
	st := newEngineStore()
	st.restart = true
	e := NewEngine(zerolog.Nop(), EngineConfig{
		CipherKey:         testCipherKey,
		ReconcileInterval: 10 * time.Millisecond,
	}, st, []platform.Connector{&fakeConnector{kind: platform.KindDiscordBot}})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRestartRequested) {
			t.Errorf("Run returned %v, want ErrRestartRequested", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on restart flag")
	}
}
