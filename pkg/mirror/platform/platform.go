// Copyright 2025-2026 MirrorWire Contributors

// Package platform defines the normalized message-event model and the session
// interfaces the engine works against. Each platform adapter converts its
// native events into these types at the session boundary so nothing
// downstream depends on platform-specific shapes.
package platform

import (
	"context"
	"errors"
	"io"
)

// ClientKind distinguishes credential flavors within one platform.
type ClientKind string

const (
	KindDiscordBot  ClientKind = "discord-bot"
	KindDiscordUser ClientKind = "discord-user"
	KindTelegram    ClientKind = "telegram"
)

// ErrAuthFailed marks a hard authentication failure during Dial. The
// reconciler disables every config mapped to the offending credential.
// Any other Dial error is treated as transient and retried next cycle.
var ErrAuthFailed = errors.New("platform: authentication failed")

// ErrNotConnected is returned by SendMessage when the underlying connection
// is down; the delivery path queues the message for a later flush.
var ErrNotConnected = errors.New("platform: session not connected")

// ErrDestinationGone is returned by SendMessage when the destination chat no
// longer exists or the credential was removed from it. The owning config is
// disabled and the delivery is never retried.
var ErrDestinationGone = errors.New("platform: destination no longer exists")

// Attachment is one file carried by an inbound message. Data is nil until
// the processing pipeline downloads it; URL is the platform's fetch
// location. Platforms without URL-addressable media supply Fetch instead,
// which the pipeline calls under its download limiter, never inline in an
// event callback.
type Attachment struct {
	Name         string
	DeclaredType string
	Size         int64
	URL          string
	Data         []byte
	Fetch        func(ctx context.Context) ([]byte, error)
}

// ForwardInfo describes forwarded-message provenance. When the original
// media is no longer directly fetchable, SnapshotURL points at an immutable
// copy the platform exposes.
type ForwardInfo struct {
	FromName    string
	SnapshotURL string
}

// MessageEvent is the normalized inbound message handed to the engine.
type MessageEvent struct {
	SourceID    string // channel or chat id
	TopicID     string // sub-thread/topic id, empty when none
	SenderID    string
	SenderName  string
	Text        string
	Attachments []Attachment
	ReplyToText string
	Forward     *ForwardInfo
}

// File is an outbound file payload.
type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// OutgoingMessage is the formatted content sent to a chat destination.
type OutgoingMessage struct {
	ChatID  string
	TopicID string
	Text    string
	Files   []File
}

// MessageHandler receives normalized events. Implementations must return
// quickly; heavy work happens in dispatched tasks.
type MessageHandler func(ev MessageEvent)

// Session is one live authenticated connection for one credential.
type Session interface {
	// Connected reports whether the underlying connection is currently up.
	Connected() bool
	// Reconnect re-establishes a dropped connection in place, preserving
	// registered handlers.
	Reconnect(ctx context.Context) error
	// SendMessage delivers to a chat destination reachable with this
	// session's credential.
	SendMessage(ctx context.Context, msg OutgoingMessage) error
	// Close tears the connection down. Idempotent.
	Close()
}

// Connector dials sessions for one (platform, client kind) pair.
type Connector interface {
	Kind() ClientKind
	// ValidCredential is a cheap shape check on a decrypted credential.
	// A failing value is skipped for the cycle, never disabled: it may be
	// a transient decryption problem rather than a bad credential.
	ValidCredential(credential string) bool
	// Dial authenticates and opens a connection, registering onMessage
	// before any event can be delivered. A hard auth failure is reported
	// as an error wrapping ErrAuthFailed.
	Dial(ctx context.Context, credential string, onMessage MessageHandler) (Session, error)
}
