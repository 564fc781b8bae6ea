// Copyright 2025-2026 MirrorWire Contributors

// Package discord adapts Discord gateway connections, for both managed bot
// tokens and passive user accounts, to the engine's platform interfaces.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/cipher"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
)

// Connector dials Discord sessions for one client kind.
type Connector struct {
	log  zerolog.Logger
	kind platform.ClientKind
}

// NewBotConnector dials with managed bot tokens.
func NewBotConnector(log zerolog.Logger) *Connector {
	return &Connector{
		log:  log.With().Str("component", "discord").Str("kind", "bot").Logger(),
		kind: platform.KindDiscordBot,
	}
}

// NewUserConnector dials with passive user-account tokens.
func NewUserConnector(log zerolog.Logger) *Connector {
	return &Connector{
		log:  log.With().Str("component", "discord").Str("kind", "user").Logger(),
		kind: platform.KindDiscordUser,
	}
}

func (c *Connector) Kind() platform.ClientKind { return c.kind }

func (c *Connector) ValidCredential(credential string) bool {
	return cipher.ValidDiscordToken(credential)
}

// Dial authenticates the token with a REST identity call before opening the
// gateway, so a revoked token is reported as a hard auth failure instead of
// a connection that silently never comes up.
func (c *Connector) Dial(ctx context.Context, credential string, onMessage platform.MessageHandler) (platform.Session, error) {
	token := credential
	if c.kind == platform.KindDiscordBot && !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	dg, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to build discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	me, err := dg.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", platform.ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("failed to verify discord token: %w", err)
	}

	s := &discordSession{
		dg:     dg,
		log:    c.log.With().Str("user_id", me.ID).Logger(),
		selfID: me.ID,
	}
	s.connected.Store(false)

	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		s.connected.Store(true)
	})
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		s.connected.Store(false)
	})
	dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.selfID {
			return
		}
		onMessage(normalizeMessage(m))
	})

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("failed to open discord gateway: %w", err)
	}
	s.connected.Store(true)
	s.log.Info().Msg("Discord session opened")
	return s, nil
}

// isAuthError reports whether a REST failure means the token is bad.
func isAuthError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}

// normalizeMessage converts a gateway message into the engine's event type.
// Discord threads are channels of their own, so the thread id arrives as
// the source id and no separate topic id is needed. A crossposted message
// is the platform's forward mechanism: the referenced original carries the
// provenance and immutable CDN copies of its attachments.
func normalizeMessage(m *discordgo.MessageCreate) platform.MessageEvent {
	ev := platform.MessageEvent{
		SourceID:   m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
	}
	if m.Member != nil && m.Member.Nick != "" {
		ev.SenderName = m.Member.Nick
	}
	if ref := m.ReferencedMessage; ref != nil {
		if m.Flags&discordgo.MessageFlagsIsCrossPosted != 0 {
			info := &platform.ForwardInfo{}
			if ref.Author != nil {
				info.FromName = ref.Author.Username
			}
			if len(ref.Attachments) > 0 {
				info.SnapshotURL = ref.Attachments[0].URL
			}
			ev.Forward = info
		} else {
			ev.ReplyToText = ref.Content
		}
	}
	for _, att := range m.Attachments {
		ev.Attachments = append(ev.Attachments, platform.Attachment{
			Name:         att.Filename,
			DeclaredType: att.ContentType,
			Size:         int64(att.Size),
			URL:          att.URL,
		})
	}
	return ev
}

// discordSession wraps one gateway connection.
type discordSession struct {
	dg        *discordgo.Session
	log       zerolog.Logger
	selfID    string
	connected atomic.Bool
}

func (s *discordSession) Connected() bool {
	return s.connected.Load()
}

// Reconnect reopens the gateway on the existing session, keeping all
// registered handlers.
func (s *discordSession) Reconnect(_ context.Context) error {
	if s.connected.Load() {
		return nil
	}
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("failed to reopen discord gateway: %w", err)
	}
	s.connected.Store(true)
	return nil
}

func (s *discordSession) SendMessage(ctx context.Context, msg platform.OutgoingMessage) error {
	if !s.connected.Load() {
		return platform.ErrNotConnected
	}
	channelID := msg.ChatID
	if msg.TopicID != "" {
		// A topic id targets a thread, which is its own channel.
		channelID = msg.TopicID
	}
	send := &discordgo.MessageSend{Content: msg.Text}
	for _, f := range msg.Files {
		send.Files = append(send.Files, &discordgo.File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Reader:      f.Reader,
		})
	}
	_, err := s.dg.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: channel %s", platform.ErrDestinationGone, channelID)
	}
	return fmt.Errorf("discord send failed: %w", err)
}

func (s *discordSession) Close() {
	if err := s.dg.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Error closing discord session")
	}
	s.connected.Store(false)
}
