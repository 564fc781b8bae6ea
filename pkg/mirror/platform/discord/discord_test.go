// Copyright 2025-2026 MirrorWire Contributors

package discord

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
)

func TestConnectorKinds(t *testing.T) {
	t.Parallel()
	if got := NewBotConnector(zerolog.Nop()).Kind(); got != platform.KindDiscordBot {
		t.Errorf("bot connector kind = %v", got)
	}
	if got := NewUserConnector(zerolog.Nop()).Kind(); got != platform.KindDiscordUser {
		t.Errorf("user connector kind = %v", got)
	}
}

func TestNormalizeMessage(t *testing.T) {
	t.Parallel()
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-1",
		Content:   "hello",
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
		Member:    &discordgo.Member{Nick: "Ali"},
		ReferencedMessage: &discordgo.Message{
			Content: "original",
		},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "cat.png", ContentType: "image/png", Size: 1234, URL: "https://cdn/cat.png"},
		},
	}}
	ev := normalizeMessage(m)
	if ev.SourceID != "chan-1" || ev.Text != "hello" || ev.SenderID != "u1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.SenderName != "Ali" {
		t.Errorf("SenderName = %q, want the guild nick", ev.SenderName)
	}
	if ev.ReplyToText != "original" {
		t.Errorf("ReplyToText = %q", ev.ReplyToText)
	}
	if len(ev.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(ev.Attachments))
	}
	att := ev.Attachments[0]
	if att.Name != "cat.png" || att.DeclaredType != "image/png" || att.Size != 1234 || att.URL != "https://cdn/cat.png" {
		t.Errorf("unexpected attachment: %+v", att)
	}
}

func TestNormalizeCrosspostCarriesForwardProvenance(t *testing.T) {
	t.Parallel()
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-2",
		Author:    &discordgo.User{ID: "u2", Username: "relay"},
		Flags:     discordgo.MessageFlagsIsCrossPosted,
		ReferencedMessage: &discordgo.Message{
			Content: "announcement",
			Author:  &discordgo.User{ID: "u9", Username: "announcer"},
			Attachments: []*discordgo.MessageAttachment{
				{Filename: "chart.png", URL: "https://cdn/chart.png"},
			},
		},
	}}
	ev := normalizeMessage(m)
	if ev.Forward == nil {
		t.Fatal("crossposted message carried no forward provenance")
	}
	if ev.Forward.FromName != "announcer" {
		t.Errorf("FromName = %q, want the original author", ev.Forward.FromName)
	}
	if ev.Forward.SnapshotURL != "https://cdn/chart.png" {
		t.Errorf("SnapshotURL = %q, want the original's CDN copy", ev.Forward.SnapshotURL)
	}
	if ev.ReplyToText != "" {
		t.Errorf("crosspost misread as reply, ReplyToText = %q", ev.ReplyToText)
	}
}

func TestIsAuthError(t *testing.T) {
	t.Parallel()
	unauthorized := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusUnauthorized}}
	if !isAuthError(unauthorized) {
		t.Error("401 not classified as auth error")
	}
	serverError := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusBadGateway}}
	if isAuthError(serverError) {
		t.Error("502 classified as auth error")
	}
	if isAuthError(errors.New("network down")) {
		t.Error("plain error classified as auth error")
	}
}
