// Copyright 2025-2026 MirrorWire Contributors

package sink

import (
	"bytes"
	"context"
	"errors"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
)

// SessionSink delivers to a chat destination through a live platform
// session. Connectivity and error classification are mapped onto the same
// contract the webhook sink uses, so the delivery layer treats both alike.
type SessionSink struct {
	session platform.Session
	chatID  string
	topicID string
}

// NewSessionSink wraps a session for one destination chat (and optional
// topic).
func NewSessionSink(session platform.Session, chatID, topicID string) *SessionSink {
	return &SessionSink{session: session, chatID: chatID, topicID: topicID}
}

// Connected reports whether the underlying session can accept a send now.
// A disconnected session routes the delivery into the retry queue instead
// of burning the attempt budget.
func (s *SessionSink) Connected() bool {
	return s.session.Connected()
}

// Send performs one chat send. Retry pacing for chat destinations lives in
// the retry queue, so a failure here is classified but not retried inline.
func (s *SessionSink) Send(ctx context.Context, msg Message) error {
	if !s.session.Connected() {
		return &SendError{Class: ClassTransient, Detail: "session not connected"}
	}
	out := platform.OutgoingMessage{
		ChatID:  s.chatID,
		TopicID: s.topicID,
		Text:    msg.Content,
	}
	for _, file := range msg.Files {
		out.Files = append(out.Files, platform.File{
			Name:        file.Name,
			ContentType: file.ContentType,
			Reader:      bytes.NewReader(file.Data),
		})
	}
	err := s.session.SendMessage(ctx, out)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, platform.ErrDestinationGone):
		return &SendError{Class: ClassPermanent, Detail: err.Error()}
	case errors.Is(err, platform.ErrNotConnected):
		return &SendError{Class: ClassTransient, Detail: err.Error()}
	default:
		return &SendError{Class: ClassTransient, Detail: err.Error()}
	}
}
