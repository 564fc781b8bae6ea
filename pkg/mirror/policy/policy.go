// Copyright 2025-2026 MirrorWire Contributors

// Package policy evaluates plan restrictions over mirror configs. All checks
// are advisory pure functions; the caller writes back disabling statuses and
// excludes violators from the cycle's routing tables.
package policy

import (
	"sort"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

// Tier is a plan-derived dispatch priority class, ascending.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPro
	TierElite
)

// TopTier is the tier dispatched via the immediate path, isolated from the
// shared queue.
const TopTier = TierElite

// PlanTier maps a plan to its dispatch tier. Unknown plans get the lowest
// tier.
func PlanTier(plan store.Plan) Tier {
	switch plan {
	case store.PlanBasic:
		return TierBasic
	case store.PlanPro:
		return TierPro
	case store.PlanElite:
		return TierElite
	default:
		return TierFree
	}
}

// PathLimit is the number of active mirror paths a plan allows.
func PathLimit(plan store.Plan) int {
	switch plan {
	case store.PlanBasic:
		return 3
	case store.PlanPro:
		return 10
	case store.PlanElite:
		return 25
	default:
		return 1
	}
}

// EnforcePathLimit splits one owner's configs into the kept set and the
// over-limit excess. Oldest-created configs are retained; the newest excess
// is flagged. The input is not modified.
func EnforcePathLimit(configs []*store.MirrorConfig) (kept, over []*store.MirrorConfig) {
	if len(configs) == 0 {
		return nil, nil
	}
	sorted := make([]*store.MirrorConfig, len(configs))
	copy(sorted, configs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	limit := PathLimit(sorted[0].Plan)
	if limit >= len(sorted) {
		return sorted, nil
	}
	return sorted[:limit], sorted[limit:]
}

// SourceAllowed reports whether a plan may mirror from the given platform
// and client kind. Passive Discord accounts and Telegram MTProto sessions
// are paid features.
func SourceAllowed(plan store.Plan, p store.Platform, kind platform.ClientKind) bool {
	switch plan {
	case store.PlanFree:
		return p == store.PlatformDiscord && kind == platform.KindDiscordBot
	case store.PlanBasic:
		return p == store.PlatformDiscord
	case store.PlanPro, store.PlanElite:
		return p == store.PlatformDiscord || p == store.PlatformTelegram
	default:
		return false
	}
}

// DestinationAllowed reports whether a plan may deliver to the config's
// destination kind. Webhook sinks are available on every plan; chat
// destinations require a paid plan.
func DestinationAllowed(plan store.Plan, cfg *store.MirrorConfig) bool {
	if cfg.WebhookDestination() {
		return true
	}
	return plan == store.PlanPro || plan == store.PlanElite
}

// allowedCategories per plan. "unknown" is allowed only for the top plan and
// is treated as a generic document for allowlist purposes by the caller.
var allowedCategories = map[store.Plan]map[string]bool{
	store.PlanFree:  {"image": true},
	store.PlanBasic: {"image": true, "document": true},
	store.PlanPro:   {"image": true, "document": true, "audio": true, "video": true},
	store.PlanElite: {"image": true, "document": true, "audio": true, "video": true, "unknown": true},
}

// CategoryAllowed reports whether a plan may mirror attachments of the
// given media category.
func CategoryAllowed(plan store.Plan, category string) bool {
	allowed, ok := allowedCategories[plan]
	if !ok {
		allowed = allowedCategories[store.PlanFree]
	}
	return allowed[category]
}

// MaxAttachmentBytes is the per-attachment size ceiling for a plan.
func MaxAttachmentBytes(plan store.Plan) int64 {
	switch plan {
	case store.PlanBasic:
		return 25 << 20
	case store.PlanPro:
		return 50 << 20
	case store.PlanElite:
		return 100 << 20
	default:
		return 8 << 20
	}
}
