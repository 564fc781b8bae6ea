// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/imagetx"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/media"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/policy"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/sink"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

const (
	defaultDownloadSlots = 2
	defaultFetchTimeout  = 30 * time.Second
	defaultSendTimeout   = 30 * time.Second
	replyQuoteLimit      = 120
)

// Handler runs the per-message pipeline: plan validation, attachment
// download under a bounded concurrency limiter, image transforms, output
// formatting and concurrent delivery to every unique destination.
type Handler struct {
	log        zerolog.Logger
	ctx        context.Context
	store      store.ConfigStore
	dispatcher *Dispatcher
	retry      *RetryQueue
	tracker    *Tracker
	watermark  *imagetx.Watermarker

	downloads    *semaphore.Weighted
	client       *http.Client
	newWebhook   func(url string) Sender
	fetchTimeout time.Duration
	sendTimeout  time.Duration
}

// HandlerConfig bounds downloads and sends. Zero values take defaults.
type HandlerConfig struct {
	DownloadSlots  int64
	FetchTimeout   time.Duration
	SendTimeout    time.Duration
	Client         *http.Client
	WebhookFactory func(url string) Sender // overridden by tests
}

func NewHandler(ctx context.Context, log zerolog.Logger, st store.ConfigStore, dispatcher *Dispatcher, retry *RetryQueue, tracker *Tracker, watermark *imagetx.Watermarker, cfg HandlerConfig) *Handler {
	if cfg.DownloadSlots <= 0 {
		cfg.DownloadSlots = defaultDownloadSlots
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	h := &Handler{
		log:          log.With().Str("component", "handler").Logger(),
		ctx:          ctx,
		store:        st,
		dispatcher:   dispatcher,
		retry:        retry,
		tracker:      tracker,
		watermark:    watermark,
		downloads:    semaphore.NewWeighted(cfg.DownloadSlots),
		client:       cfg.Client,
		newWebhook:   cfg.WebhookFactory,
		fetchTimeout: cfg.FetchTimeout,
		sendTimeout:  cfg.SendTimeout,
	}
	if h.newWebhook == nil {
		h.newWebhook = func(url string) Sender {
			return sink.NewWebhookSink(log, url, sink.WebhookConfig{SendTimeout: cfg.SendTimeout})
		}
	}
	return h
}

// OnMessage is the reconciler's inbound callback. It resolves the dispatch
// tier and hands the heavy work to the dispatcher immediately; the platform
// connection's event delivery is never stalled.
func (h *Handler) OnMessage(ev platform.MessageEvent, configs []*store.MirrorConfig, conn platform.Session, credential string) {
	tier := policy.TierFree
	for _, cfg := range configs {
		if t := policy.PlanTier(cfg.Plan); t > tier {
			tier = t
		}
	}
	h.dispatcher.Enqueue(tier, "message:"+ev.SourceID, func() {
		h.process(h.ctx, ev, configs, conn, credential)
	})
}

// process runs the full pipeline for one inbound message.
func (h *Handler) process(ctx context.Context, ev platform.MessageEvent, configs []*store.MirrorConfig, conn platform.Session, credential string) {
	maxBytes := int64(0)
	for _, cfg := range configs {
		if ceiling := policy.MaxAttachmentBytes(cfg.Plan); ceiling > maxBytes {
			maxBytes = ceiling
		}
	}

	attachments, notices := h.downloadAttachments(ctx, ev.Attachments, maxBytes)
	if snapshot, ok := h.fetchForwardSnapshot(ctx, ev.Forward, maxBytes); ok {
		attachments = append(attachments, snapshot)
	}

	// Deduplicate by destination identity: two configs pointing at the same
	// endpoint produce one delivery per message.
	seen := make(map[string]bool)
	var targets []*store.MirrorConfig
	for _, cfg := range configs {
		key := cfg.DestinationKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, cfg)
	}

	// Settle-all: one destination's failure never affects the others.
	done := make(chan struct{})
	for _, cfg := range targets {
		cfg := cfg
		go func() {
			defer func() { done <- struct{}{} }()
			h.deliverFor(ctx, cfg, ev, attachments, notices, conn, credential)
		}()
	}
	for range targets {
		<-done
	}
}

// deliverFor validates, transforms, formats and sends one destination's
// copy of the message.
func (h *Handler) deliverFor(ctx context.Context, cfg *store.MirrorConfig, ev platform.MessageEvent, attachments []platform.Attachment, notices []string, conn platform.Session, credential string) {
	verdict := media.Validate(attachments, cfg.Plan)

	var files []sink.File
	for _, att := range verdict.Eligible {
		if att.Data == nil {
			// Download already failed and was noticed for every destination.
			continue
		}
		data := att.Data
		if media.Classify(att.Name, att.DeclaredType) == media.CategoryImage {
			data = h.transformImage(ctx, cfg, data)
		}
		files = append(files, sink.File{Name: att.Name, ContentType: att.DeclaredType, Data: data})
	}

	content := formatText(ev) + verdict.NoticeText()
	for _, notice := range notices {
		content += notice
	}
	msg := sink.Message{
		Username: ev.SenderName,
		Content:  content,
		Files:    files,
	}

	if cfg.WebhookDestination() {
		h.deliverWebhook(ctx, cfg, msg)
		return
	}
	h.deliverChat(ctx, cfg, msg, conn, credential)
}

func (h *Handler) deliverWebhook(ctx context.Context, cfg *store.MirrorConfig, msg sink.Message) {
	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	err := h.newWebhook(cfg.WebhookURL).Send(sendCtx, msg)
	switch {
	case err == nil:
	case sink.IsPermanent(err):
		h.log.Warn().Err(err).Str("config_id", cfg.ID).Msg("Webhook destination gone, disabling config")
		h.disable(ctx, cfg, store.StatusWebhookInvalid)
	default:
		h.log.Debug().Err(err).Str("config_id", cfg.ID).Msg("Webhook delivery failed, queueing for retry")
		h.retry.Enqueue(QueuedDelivery{
			ConfigID:   cfg.ID,
			WebhookURL: cfg.WebhookURL,
			Message:    msg,
		})
	}
}

func (h *Handler) deliverChat(ctx context.Context, cfg *store.MirrorConfig, msg sink.Message, conn platform.Session, credential string) {
	queued := QueuedDelivery{
		ConfigID:   cfg.ID,
		Credential: credential,
		ChatID:     cfg.DestChatID,
		TopicID:    cfg.DestTopicID,
		Message:    msg,
	}
	if conn == nil || !conn.Connected() {
		h.retry.Enqueue(queued)
		return
	}

	target := sink.NewSessionSink(conn, cfg.DestChatID, cfg.DestTopicID)
	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	err := target.Send(sendCtx, msg)
	switch {
	case err == nil:
	case sink.IsPermanent(err):
		h.log.Warn().Err(err).Str("config_id", cfg.ID).Msg("Chat destination gone, disabling config")
		h.disable(ctx, cfg, store.StatusConfigurationError)
	default:
		h.log.Debug().Err(err).Str("config_id", cfg.ID).Msg("Chat delivery failed, queueing for retry")
		h.retry.Enqueue(queued)
	}
}

func (h *Handler) disable(ctx context.Context, cfg *store.MirrorConfig, reason store.StatusReason) {
	if err := h.store.Disable(ctx, cfg.ID, reason); err != nil {
		h.log.Error().Err(err).Str("config_id", cfg.ID).Msg("Failed to write disabled status")
	}
}

// transformImage applies the config's privacy blur and branding watermark.
// Both transforms fall back to their input, so a failure never drops the
// attachment.
func (h *Handler) transformImage(ctx context.Context, cfg *store.MirrorConfig, data []byte) []byte {
	if len(cfg.BlurRegions) > 0 {
		regions := make([]imagetx.Region, len(cfg.BlurRegions))
		for i, r := range cfg.BlurRegions {
			regions[i] = imagetx.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
		}
		data = imagetx.Blur(data, regions).Data
	}
	if cfg.Branding != nil && cfg.Branding.Type != "" {
		data = h.watermark.Apply(ctx, data, imagetx.Options{
			Mode:     imagetx.Mode(cfg.Branding.Type),
			Text:     cfg.Branding.Text,
			LogoURL:  cfg.Branding.LogoURL,
			Position: cfg.Branding.Position,
			Opacity:  cfg.Branding.Opacity,
			Color:    cfg.Branding.Color,
		}).Data
	}
	return data
}

// downloadAttachments fetches attachment payloads under the concurrency
// limiter, at most two in flight regardless of message volume. Platforms
// hand over either a URL or a deferred fetch closure; both paths share the
// limiter and the byte ceiling. Failures leave Data nil and produce a
// notice shared by every destination.
func (h *Handler) downloadAttachments(ctx context.Context, attachments []platform.Attachment, maxBytes int64) ([]platform.Attachment, []string) {
	out := make([]platform.Attachment, len(attachments))
	copy(out, attachments)
	var notices []string
	for i := range out {
		if out[i].Data != nil {
			continue
		}
		var data []byte
		var err error
		switch {
		case out[i].URL != "":
			data, err = h.fetch(ctx, out[i].URL, maxBytes)
		case out[i].Fetch != nil:
			data, err = h.fetchDirect(ctx, out[i].Fetch, maxBytes)
		default:
			continue
		}
		if err != nil {
			h.log.Warn().Err(err).Str("name", out[i].Name).Msg("Attachment download failed")
			notices = append(notices, fmt.Sprintf("\n[attachment %q skipped: download failed]", out[i].Name))
			continue
		}
		out[i].Data = data
		out[i].Size = int64(len(data))
	}
	return out, notices
}

// fetchDirect resolves a platform-supplied fetch closure under the same
// download slot, timeout and byte ceiling as URL fetches.
func (h *Handler) fetchDirect(ctx context.Context, fn func(ctx context.Context) ([]byte, error), maxBytes int64) ([]byte, error) {
	if err := h.downloads.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.downloads.Release(1)

	ctx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()
	data, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("payload exceeds %d byte ceiling", maxBytes)
	}
	return data, nil
}

// fetch downloads one URL with a streaming byte ceiling, holding a download
// slot for the duration.
func (h *Handler) fetch(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	if err := h.downloads.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.downloads.Release(1)

	ctx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("payload exceeds %d byte ceiling", maxBytes)
	}
	return data, nil
}

// fetchForwardSnapshot pulls a forwarded message's immutable snapshot as a
// tracked background task bounded by the tracker's ceiling.
func (h *Handler) fetchForwardSnapshot(ctx context.Context, fwd *platform.ForwardInfo, maxBytes int64) (platform.Attachment, bool) {
	if fwd == nil || fwd.SnapshotURL == "" {
		return platform.Attachment{}, false
	}
	result := make(chan platform.Attachment, 1)
	h.tracker.Go(ctx, "forward-snapshot", func(taskCtx context.Context) error {
		defer close(result)
		data, err := h.fetch(taskCtx, fwd.SnapshotURL, maxBytes)
		if err != nil {
			return fmt.Errorf("snapshot fetch failed: %w", err)
		}
		result <- platform.Attachment{
			Name:         "forward-snapshot",
			DeclaredType: http.DetectContentType(data),
			Size:         int64(len(data)),
			Data:         data,
		}
		return nil
	})
	att, ok := <-result
	return att, ok
}

// formatText renders the outgoing message text: forward provenance, a
// quoted reply excerpt, then the message body.
func formatText(ev platform.MessageEvent) string {
	var b strings.Builder
	if ev.Forward != nil && ev.Forward.FromName != "" {
		fmt.Fprintf(&b, "[forwarded from %s]\n", ev.Forward.FromName)
	}
	if ev.ReplyToText != "" {
		quote := ev.ReplyToText
		if len(quote) > replyQuoteLimit {
			quote = quote[:replyQuoteLimit] + "..."
		}
		b.WriteString("> " + strings.ReplaceAll(quote, "\n", " ") + "\n")
	}
	b.WriteString(ev.Text)
	return b.String()
}
