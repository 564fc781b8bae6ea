// Copyright 2025-2026 MirrorWire Contributors

// Package store defines the persisted mirror configuration model and the
// interface the engine uses to read configs and write back status changes.
// The engine never mutates configs beyond the active flag and status reason.
package store

import (
	"context"
	"time"
)

// Platform identifies a supported source chat platform.
type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

// Plan is a tenant's subscription tier, ascending.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
	PlanElite Plan = "elite"
)

// StatusReason explains why a config was disabled by the engine.
type StatusReason string

const (
	StatusTokenInvalid       StatusReason = "TOKEN_INVALID"
	StatusSessionInvalidated StatusReason = "SESSION_INVALIDATED"
	StatusWebhookInvalid     StatusReason = "WEBHOOK_INVALID"
	StatusPathLimitReached   StatusReason = "PATH_LIMIT_REACHED"
	StatusPlanRestriction    StatusReason = "PLAN_RESTRICTION"
	StatusConfigurationError StatusReason = "CONFIGURATION_ERROR"
)

// WatermarkType selects between a logo overlay and rendered text.
type WatermarkType string

const (
	WatermarkText   WatermarkType = "TEXT"
	WatermarkVisual WatermarkType = "VISUAL"
)

// BlurRegion is a privacy blur rectangle in 0-100 percentages of the image.
type BlurRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Branding holds a config's watermark settings.
type Branding struct {
	Type     WatermarkType `json:"type"`
	Text     string        `json:"text"`
	LogoURL  string        `json:"logo_url"`
	Position string        `json:"position"` // gravity keyword or "x,y"
	Opacity  float64       `json:"opacity"`  // 0-1, 0 means default
	Color    string        `json:"color"`    // hex brand color for text mode
}

// MirrorConfig is one tenant's source-to-destination relay rule.
// Exactly one of WebhookURL and DestChatID is populated.
type MirrorConfig struct {
	ID      string
	OwnerID string
	Plan    Plan

	SourcePlatform Platform
	// ClientKind distinguishes credential flavors on one platform, e.g.
	// "discord-bot" vs "discord-user". See platform.ClientKind.
	ClientKind    string
	SourceChannel string
	SourceTopic   string // optional sub-thread/topic filter; empty matches all

	WebhookURL  string
	DestChatID  string
	DestTopicID string

	// Credential is a token or session string, possibly encrypted with the
	// credential cipher.
	Credential string

	Branding    *Branding
	BlurRegions []BlurRegion

	Active       bool
	StatusReason StatusReason
	CreatedAt    time.Time
}

// WebhookDestination reports whether this config delivers to a webhook
// endpoint rather than a chat.
func (c *MirrorConfig) WebhookDestination() bool {
	return c.WebhookURL != ""
}

// DestinationKey identifies a destination for deduplication: two configs
// pointing at the same endpoint produce one delivery per message.
func (c *MirrorConfig) DestinationKey() string {
	if c.WebhookURL != "" {
		return "webhook:" + c.WebhookURL
	}
	return "chat:" + c.DestChatID + ":" + c.DestTopicID
}

// ConfigStore is the engine's view of the external configuration store.
type ConfigStore interface {
	// ActiveConfigs returns all configs with the active flag set.
	ActiveConfigs(ctx context.Context) ([]*MirrorConfig, error)
	// Disable clears the active flag and records a status reason.
	Disable(ctx context.Context, configID string, reason StatusReason) error
	// Heartbeat records engine liveness for the process supervisor.
	Heartbeat(ctx context.Context, at time.Time) error
	// RestartRequested polls the externally-set restart flag.
	RestartRequested(ctx context.Context) (bool, error)
}
