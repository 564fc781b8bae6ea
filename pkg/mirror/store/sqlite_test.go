// Copyright 2025-2026 MirrorWire Contributors

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConfig(id string) *MirrorConfig {
	return &MirrorConfig{
		ID:             id,
		OwnerID:        "owner-1",
		Plan:           PlanPro,
		SourcePlatform: PlatformDiscord,
		ClientKind:     "discord-bot",
		SourceChannel:  "chan-1",
		WebhookURL:     "https://hooks.example/" + id,
		Credential:     "secret",
		Active:         true,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	cfg := sampleConfig("a")
	cfg.Branding = &Branding{Type: WatermarkVisual, LogoURL: "https://cdn.example/logo.png", Opacity: 0.5}
	cfg.BlurRegions = []BlurRegion{{X: 10, Y: 20, Width: 30, Height: 40}}
	if err := s.InsertConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	configs, err := s.ActiveConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 {
		t.Fatalf("ActiveConfigs returned %d rows, want 1", len(configs))
	}
	got := configs[0]
	if got.ID != "a" || got.Plan != PlanPro || got.WebhookURL != cfg.WebhookURL {
		t.Errorf("unexpected config: %+v", got)
	}
	if got.Branding == nil || got.Branding.Type != WatermarkVisual || got.Branding.Opacity != 0.5 {
		t.Errorf("branding not round-tripped: %+v", got.Branding)
	}
	if len(got.BlurRegions) != 1 || got.BlurRegions[0].Width != 30 {
		t.Errorf("blur regions not round-tripped: %+v", got.BlurRegions)
	}
}

func TestSQLiteDisableExcludesFromActive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertConfig(ctx, sampleConfig("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertConfig(ctx, sampleConfig("b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Disable(ctx, "a", StatusTokenInvalid); err != nil {
		t.Fatal(err)
	}

	configs, err := s.ActiveConfigs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 || configs[0].ID != "b" {
		t.Errorf("active configs = %v, want only b", configs)
	}
}

func TestSQLiteHeartbeatAndRestartFlag(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Heartbeat(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	// Heartbeat upserts, so a second write must succeed.
	if err := s.Heartbeat(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	requested, err := s.RestartRequested(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if requested {
		t.Error("restart requested with no flag set")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_state (key, value) VALUES ('restart_requested', '1')`); err != nil {
		t.Fatal(err)
	}
	requested, err = s.RestartRequested(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !requested {
		t.Error("restart flag not read back")
	}
}

func TestDestinationKey(t *testing.T) {
	t.Parallel()
	webhook := &MirrorConfig{WebhookURL: "https://hooks.example/1"}
	chat := &MirrorConfig{DestChatID: "chat-1", DestTopicID: "7"}
	if webhook.DestinationKey() == chat.DestinationKey() {
		t.Error("webhook and chat destinations collide")
	}
	if !webhook.WebhookDestination() || chat.WebhookDestination() {
		t.Error("WebhookDestination misclassified")
	}
	same := &MirrorConfig{WebhookURL: "https://hooks.example/1"}
	if webhook.DestinationKey() != same.DestinationKey() {
		t.Error("identical webhook destinations do not share a key")
	}
}
