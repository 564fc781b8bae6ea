// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/sink"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

const (
	defaultRetryQueueCap    = 256
	defaultRetryTTL         = 10 * time.Minute
	defaultMaxRetries       = 5
	defaultQueuedPayloadCap = 4 << 20
	defaultFlushSendTimeout = 30 * time.Second
)

// QueuedDelivery is one delivery waiting for its destination to come back.
// Exactly one of WebhookURL or (Credential, ChatID) identifies the
// destination.
type QueuedDelivery struct {
	ID         uuid.UUID
	ConfigID   string
	Credential string
	ChatID     string
	TopicID    string
	WebhookURL string
	Message    sink.Message
	CreatedAt  time.Time
	Retries    int
}

// groupKey identifies the destination for grouping and FIFO ordering.
func (d *QueuedDelivery) groupKey() string {
	if d.WebhookURL != "" {
		return "webhook:" + d.WebhookURL
	}
	return "chat:" + d.Credential + ":" + d.ChatID + ":" + d.TopicID
}

// SessionLookup resolves the live session for a decrypted credential, if
// one exists right now. Injected by the engine so the queue never reaches
// into reconciler state directly.
type SessionLookup func(credential string) (platform.Session, bool)

// RetryQueueConfig bounds the queue. Zero values take defaults.
type RetryQueueConfig struct {
	Capacity       int
	TTL            time.Duration
	MaxRetries     int
	PayloadCap     int // queued copies above this byte size keep text only
	FlushTimeout   time.Duration
	WebhookFactory func(url string) Sender // overridden by tests
	// Disable is called when a flush hits a permanent failure: the
	// destination is gone, so the owning config must be switched off
	// instead of retried. Injected by the engine.
	Disable func(ctx context.Context, configID string, reason store.StatusReason)
}

// Sender is the send surface the flush path needs from any sink.
type Sender interface {
	Send(ctx context.Context, msg sink.Message) error
}

// RetryQueue is a bounded, TTL-expiring holding area for deliveries whose
// destination was unavailable at send time. Entry cap with oldest-first
// eviction is a second line of defense independent of TTL pruning.
type RetryQueue struct {
	log        zerolog.Logger
	lookup     SessionLookup
	newWebhook func(url string) Sender
	disable    func(ctx context.Context, configID string, reason store.StatusReason)

	capacity     int
	ttl          time.Duration
	maxRetries   int
	payloadCap   int
	flushTimeout time.Duration

	mu      sync.Mutex
	entries []*QueuedDelivery
}

func NewRetryQueue(log zerolog.Logger, lookup SessionLookup, cfg RetryQueueConfig) *RetryQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultRetryQueueCap
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultRetryTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PayloadCap <= 0 {
		cfg.PayloadCap = defaultQueuedPayloadCap
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushSendTimeout
	}
	q := &RetryQueue{
		log:          log.With().Str("component", "retry_queue").Logger(),
		lookup:       lookup,
		newWebhook:   cfg.WebhookFactory,
		disable:      cfg.Disable,
		capacity:     cfg.Capacity,
		ttl:          cfg.TTL,
		maxRetries:   cfg.MaxRetries,
		payloadCap:   cfg.PayloadCap,
		flushTimeout: cfg.FlushTimeout,
	}
	if q.newWebhook == nil {
		q.newWebhook = func(url string) Sender {
			// The sink keeps its full classification budget so a flush
			// still handles 413 stripping and 429 Retry-After waits.
			return sink.NewWebhookSink(log, url, sink.WebhookConfig{SendTimeout: cfg.FlushTimeout})
		}
	}
	return q
}

// Enqueue stores a delivery for a later flush. Oversized file payloads are
// dropped from the queued copy, keeping the text. When the queue is at
// capacity the oldest entry is evicted first.
func (q *RetryQueue) Enqueue(d QueuedDelivery) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if payloadSize(d.Message) > q.payloadCap {
		d.Message.Files = nil
		q.log.Debug().Str("config_id", d.ConfigID).Msg("Queued delivery exceeds payload cap, keeping text only")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		q.log.Warn().Str("config_id", evicted.ConfigID).Msg("Retry queue full, evicting oldest delivery")
	}
	q.entries = append(q.entries, &d)
}

func payloadSize(msg sink.Message) int {
	total := len(msg.Content)
	for _, f := range msg.Files {
		total += len(f.Data)
	}
	return total
}

// Len reports the number of queued deliveries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush prunes expired and retry-exhausted entries, then attempts delivery
// per destination group in FIFO order. A destination that is still down
// increments retry counts and waits for the next cycle; one group's failure
// never affects another.
func (q *RetryQueue) Flush(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.CreatedAt) > q.ttl {
			q.log.Debug().Str("config_id", e.ConfigID).Msg("Dropping TTL-expired queued delivery")
			continue
		}
		if e.Retries >= q.maxRetries {
			q.log.Warn().Str("config_id", e.ConfigID).Int("retries", e.Retries).Msg("Dropping retry-exhausted queued delivery")
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept

	groups := make(map[string][]*QueuedDelivery)
	var order []string
	for _, e := range q.entries {
		key := e.groupKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}
	q.mu.Unlock()

	delivered := make(map[uuid.UUID]bool)
	failed := make(map[uuid.UUID]bool)
	dead := make(map[uuid.UUID]bool)
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, bad, gone := q.flushGroup(ctx, group)
			resMu.Lock()
			for _, id := range ok {
				delivered[id] = true
			}
			for _, id := range bad {
				failed[id] = true
			}
			for _, id := range gone {
				dead[id] = true
			}
			resMu.Unlock()
		}()
	}
	wg.Wait()

	q.mu.Lock()
	kept = q.entries[:0]
	for _, e := range q.entries {
		if delivered[e.ID] || dead[e.ID] {
			continue
		}
		if failed[e.ID] {
			e.Retries++
			if e.Retries >= q.maxRetries {
				q.log.Warn().Str("config_id", e.ConfigID).Int("retries", e.Retries).Msg("Dropping retry-exhausted queued delivery")
				continue
			}
		}
		kept = append(kept, e)
	}
	q.entries = kept
	q.mu.Unlock()
}

// flushGroup sends one destination's entries in FIFO order. The first
// transient failure stops the group so ordering is preserved; remaining
// entries are counted as failed attempts for this cycle. A permanent
// failure means the destination itself is gone: the group's entries are
// dropped and their configs disabled, never retried.
func (q *RetryQueue) flushGroup(ctx context.Context, group []*QueuedDelivery) (delivered, failed, dead []uuid.UUID) {
	var target Sender
	first := group[0]
	if first.WebhookURL != "" {
		target = q.newWebhook(first.WebhookURL)
	} else {
		session, ok := q.lookup(first.Credential)
		if !ok || !session.Connected() {
			for _, e := range group {
				failed = append(failed, e.ID)
			}
			return delivered, failed, dead
		}
		target = sink.NewSessionSink(session, first.ChatID, first.TopicID)
	}

	for i, e := range group {
		sendCtx, cancel := context.WithTimeout(ctx, q.flushTimeout)
		err := target.Send(sendCtx, e.Message)
		cancel()
		if err == nil {
			delivered = append(delivered, e.ID)
			continue
		}
		if sink.ClassOf(err) == sink.ClassPermanent {
			q.log.Warn().Err(err).Str("config_id", e.ConfigID).Msg("Destination gone during flush, dropping queued deliveries and disabling configs")
			q.disableGroup(ctx, group[i:])
			for _, rest := range group[i:] {
				dead = append(dead, rest.ID)
			}
			return delivered, failed, dead
		}
		q.log.Debug().Err(err).Str("config_id", e.ConfigID).Msg("Queued delivery flush failed")
		for _, rest := range group[i:] {
			failed = append(failed, rest.ID)
		}
		return delivered, failed, dead
	}
	return delivered, failed, dead
}

// disableGroup writes a disabling status for each distinct config behind a
// permanently failed destination.
func (q *RetryQueue) disableGroup(ctx context.Context, entries []*QueuedDelivery) {
	if q.disable == nil || len(entries) == 0 {
		return
	}
	reason := store.StatusConfigurationError
	if entries[0].WebhookURL != "" {
		reason = store.StatusWebhookInvalid
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.ConfigID == "" || seen[e.ConfigID] {
			continue
		}
		seen[e.ConfigID] = true
		q.disable(ctx, e.ConfigID, reason)
	}
}
