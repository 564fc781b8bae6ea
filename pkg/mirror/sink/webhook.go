// Copyright 2025-2026 MirrorWire Contributors

// Package sink delivers formatted messages to heterogeneous destinations:
// webhook-style HTTP endpoints and live chat sessions. Every adapter
// classifies its failures so the delivery layer can decide between retrying,
// queueing and disabling the owning config.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// contentLimit is the hard cap webhook endpoints place on message text.
	contentLimit = 2000

	truncationNotice = "\n[attachments removed: payload too large]"

	defaultMaxAttempts  = 3
	defaultSendTimeout  = 30 * time.Second
	defaultRateLimWait  = time.Second
	initialBackoffDelay = 500 * time.Millisecond
)

// File is one buffered attachment ready to send.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is the formatted payload handed to a sink. Embeds are carried
// opaquely; the engine never interprets them.
type Message struct {
	Username  string
	AvatarURL string
	Content   string
	Embeds    []json.RawMessage
	Files     []File
}

// stripped returns a text-only copy with a truncation notice appended.
func (m Message) stripped() Message {
	out := m
	out.Files = nil
	out.Content = truncate(m.Content+truncationNotice, contentLimit)
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// WebhookSink posts messages to one webhook URL. JSON for text-only
// payloads, multipart when files ride along.
type WebhookSink struct {
	url         string
	client      *http.Client
	maxAttempts int
	log         zerolog.Logger
}

// WebhookConfig bounds a webhook sink's retry and timeout behavior.
type WebhookConfig struct {
	MaxAttempts int
	SendTimeout time.Duration
	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// NewWebhookSink builds a sink for one destination URL.
func NewWebhookSink(log zerolog.Logger, url string, cfg WebhookConfig) *WebhookSink {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.SendTimeout}
	}
	return &WebhookSink{
		url:         url,
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		log:         log.With().Str("component", "webhook_sink").Logger(),
	}
}

// Send delivers one message with the classification contract: permanent
// failures return immediately, an oversized payload is retried once with
// attachments stripped, rate limits wait out the server-specified interval,
// and anything else retries with exponential backoff up to the attempt
// budget.
func (s *WebhookSink) Send(ctx context.Context, msg Message) error {
	msg.Content = truncate(msg.Content, contentLimit)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoffDelay
	bo.MaxElapsedTime = 0

	strippedOnce := false
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.post(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *SendError
		if errors.As(err, &se) {
			switch se.Class {
			case ClassPermanent:
				return err
			case ClassTooLarge:
				if strippedOnce || len(msg.Files) == 0 {
					return err
				}
				s.log.Debug().Int("attempt", attempt).Msg("Payload too large, retrying without attachments")
				msg = msg.stripped()
				strippedOnce = true
				continue
			case ClassRateLimited:
				if attempt == s.maxAttempts-1 {
					// No budget left, waiting would be pointless.
					return err
				}
				wait := se.RetryAfter
				if wait <= 0 {
					wait = defaultRateLimWait
				}
				s.log.Debug().Dur("retry_after", wait).Msg("Rate limited by webhook endpoint")
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}
		if attempt < s.maxAttempts-1 {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type webhookPayload struct {
	Username  string            `json:"username,omitempty"`
	AvatarURL string            `json:"avatar_url,omitempty"`
	Content   string            `json:"content,omitempty"`
	Embeds    []json.RawMessage `json:"embeds,omitempty"`
}

// post performs exactly one HTTP attempt and classifies the outcome.
func (s *WebhookSink) post(ctx context.Context, msg Message) error {
	payload := webhookPayload{
		Username:  msg.Username,
		AvatarURL: msg.AvatarURL,
		Content:   msg.Content,
		Embeds:    msg.Embeds,
	}

	var body bytes.Buffer
	contentType := "application/json"
	if len(msg.Files) > 0 {
		writer := multipart.NewWriter(&body)
		encoded, err := json.Marshal(&payload)
		if err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}
		if err := writer.WriteField("payload_json", string(encoded)); err != nil {
			return fmt.Errorf("failed to write webhook payload field: %w", err)
		}
		for i, file := range msg.Files {
			part, err := writer.CreateFormFile(fmt.Sprintf("files[%d]", i), file.Name)
			if err != nil {
				return fmt.Errorf("failed to create file part: %w", err)
			}
			if _, err := part.Write(file.Data); err != nil {
				return fmt.Errorf("failed to write file part: %w", err)
			}
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to finalize multipart body: %w", err)
		}
		contentType = writer.FormDataContentType()
	} else {
		if err := json.NewEncoder(&body).Encode(&payload); err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &body)
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Class: ClassTransient, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyResponse(resp)
}

// classifyResponse maps an HTTP status to a failure class. The body is read
// only far enough to carry a short detail string.
func classifyResponse(resp *http.Response) *SendError {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	se := &SendError{
		StatusCode: resp.StatusCode,
		Detail:     string(detail),
	}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		se.Class = ClassPermanent
	case http.StatusRequestEntityTooLarge:
		se.Class = ClassTooLarge
	case http.StatusTooManyRequests:
		se.Class = ClassRateLimited
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	default:
		se.Class = ClassTransient
	}
	return se
}

// parseRetryAfter reads a Retry-After header given in whole or fractional
// seconds. Zero means the server gave no usable interval.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
