// Copyright 2025-2026 MirrorWire Contributors

// Package telegram adapts MTProto user sessions (Telethon-format session
// strings) to the engine's platform interfaces using gotd.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/cipher"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
)

// mediaByteCap bounds inline media downloads from source messages.
const mediaByteCap = 16 << 20

// Connector dials MTProto sessions from stored Telethon session strings.
type Connector struct {
	log     zerolog.Logger
	apiID   int
	apiHash string
}

func NewConnector(log zerolog.Logger, apiID int, apiHash string) *Connector {
	return &Connector{
		log:     log.With().Str("component", "telegram").Logger(),
		apiID:   apiID,
		apiHash: apiHash,
	}
}

func (c *Connector) Kind() platform.ClientKind { return platform.KindTelegram }

func (c *Connector) ValidCredential(credential string) bool {
	return cipher.ValidTelegramSession(credential)
}

// Dial loads the session string, starts the MTProto client and verifies the
// authorization before reporting the session as started. A session string
// that does not decode, or one the server no longer recognizes, is a hard
// auth failure.
func (c *Connector) Dial(ctx context.Context, credential string, onMessage platform.MessageHandler) (platform.Session, error) {
	data, err := session.TelethonSession(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: session string does not decode: %v", platform.ErrAuthFailed, err)
	}
	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("failed to stage session data: %w", err)
	}

	s := &telegramSession{
		log:       c.log,
		apiID:     c.apiID,
		apiHash:   c.apiHash,
		storage:   storage,
		onMessage: onMessage,
		peers:     make(map[int64]tg.InputPeerClass),
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// telegramSession is one live MTProto connection. gotd's client runs inside
// Run until its context is cancelled, so the session owns a background
// context and restarts the client in place on Reconnect.
type telegramSession struct {
	log       zerolog.Logger
	apiID     int
	apiHash   string
	storage   *session.StorageMemory
	onMessage platform.MessageHandler

	mu     sync.Mutex
	api    *tg.Client
	cancel context.CancelFunc
	peers  map[int64]tg.InputPeerClass

	connected atomic.Bool
}

// start launches the client and blocks until authorization is verified.
func (s *telegramSession) start(ctx context.Context) error {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.handleUpdate(e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.handleUpdate(e, u.Message)
		return nil
	})

	client := telegram.NewClient(s.apiID, s.apiHash, telegram.Options{
		SessionStorage: s.storage,
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	initDone := make(chan error, 1)
	go func() {
		err := client.Run(runCtx, func(runCtx context.Context) error {
			status, err := client.Auth().Status(runCtx)
			if err != nil {
				initDone <- fmt.Errorf("failed to check authorization: %w", err)
				return err
			}
			if !status.Authorized {
				initDone <- fmt.Errorf("%w: session not authorized", platform.ErrAuthFailed)
				return platform.ErrAuthFailed
			}

			s.mu.Lock()
			s.api = client.API()
			s.mu.Unlock()
			s.connected.Store(true)
			initDone <- nil

			<-runCtx.Done()
			return runCtx.Err()
		})
		s.connected.Store(false)
		if err != nil && runCtx.Err() == nil {
			s.log.Warn().Err(err).Msg("Telegram client stopped")
		}
	}()

	select {
	case err := <-initDone:
		if err != nil {
			cancel()
			return err
		}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.log.Info().Msg("Telegram session started")
	return nil
}

func (s *telegramSession) Connected() bool {
	return s.connected.Load()
}

// Reconnect restarts the client on the same session storage and peer cache.
func (s *telegramSession) Reconnect(ctx context.Context) error {
	if s.connected.Load() {
		return nil
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	return s.start(ctx)
}

func (s *telegramSession) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.connected.Store(false)
}

// handleUpdate normalizes one inbound message and caches the update's
// entity access hashes for later sends.
func (s *telegramSession) handleUpdate(e tg.Entities, msg tg.MessageClass) {
	s.cachePeers(e)
	m, ok := msg.(*tg.Message)
	if !ok || m.Out {
		return
	}
	ev := platform.MessageEvent{
		SourceID: peerKey(m.PeerID),
		Text:     m.Message,
	}
	if replyTo, ok := m.GetReplyTo(); ok {
		if header, ok := replyTo.(*tg.MessageReplyHeader); ok && header.ForumTopic {
			if topID, ok := header.GetReplyToTopID(); ok {
				ev.TopicID = strconv.Itoa(topID)
			}
		}
	}
	if from, ok := m.GetFromID(); ok {
		if user, isUser := from.(*tg.PeerUser); isUser {
			ev.SenderID = strconv.FormatInt(user.UserID, 10)
			if u, found := e.Users[user.UserID]; found {
				ev.SenderName = u.FirstName
				if u.Username != "" {
					ev.SenderName = u.Username
				}
			}
		}
	}
	if fwd, ok := m.GetFwdFrom(); ok {
		info := &platform.ForwardInfo{}
		if name, ok := fwd.GetFromName(); ok {
			info.FromName = name
		}
		ev.Forward = info
	}
	if att, ok := s.describeMedia(m.Media); ok {
		ev.Attachments = append(ev.Attachments, att)
	}
	s.onMessage(ev)
}

func (s *telegramSession) cachePeers(e tg.Entities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range e.Users {
		s.peers[id] = &tg.InputPeerUser{UserID: id, AccessHash: u.AccessHash}
	}
	for id := range e.Chats {
		s.peers[id] = &tg.InputPeerChat{ChatID: id}
	}
	for id, ch := range e.Channels {
		s.peers[id] = &tg.InputPeerChannel{ChannelID: id, AccessHash: ch.AccessHash}
	}
}

func peerKey(peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChat:
		return strconv.FormatInt(p.ChatID, 10)
	case *tg.PeerChannel:
		return strconv.FormatInt(p.ChannelID, 10)
	default:
		return ""
	}
}

// describeMedia turns a message's photo or document into an attachment
// carrying a deferred fetch closure. MTProto media has no fetchable URL, so
// the payload is resolved by the engine under its download limiter; the
// update callback only records metadata and must never block on I/O.
func (s *telegramSession) describeMedia(media tg.MessageMediaClass) (platform.Attachment, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok || doc.Size > mediaByteCap {
			return platform.Attachment{}, false
		}
		name := "document"
		for _, attr := range doc.Attributes {
			if fn, isName := attr.(*tg.DocumentAttributeFilename); isName {
				name = fn.FileName
			}
		}
		loc := &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
		return platform.Attachment{
			Name:         name,
			DeclaredType: doc.MimeType,
			Size:         doc.Size,
			Fetch:        s.fetcher(loc),
		}, true
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return platform.Attachment{}, false
		}
		var largest *tg.PhotoSize
		for _, size := range photo.Sizes {
			if ps, isSize := size.(*tg.PhotoSize); isSize {
				largest = ps
			}
		}
		if largest == nil {
			return platform.Attachment{}, false
		}
		loc := &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largest.Type,
		}
		return platform.Attachment{
			Name:         "photo.jpg",
			DeclaredType: "image/jpeg",
			Size:         int64(largest.Size),
			Fetch:        s.fetcher(loc),
		}, true
	default:
		return platform.Attachment{}, false
	}
}

// fetcher binds a file location to a download deferred until the engine
// asks for the payload.
func (s *telegramSession) fetcher(loc tg.InputFileLocationClass) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		s.mu.Lock()
		api := s.api
		s.mu.Unlock()
		if api == nil {
			return nil, platform.ErrNotConnected
		}
		return s.fetchLocation(ctx, api, loc)
	}
}

func (s *telegramSession) fetchLocation(ctx context.Context, api *tg.Client, loc tg.InputFileLocationClass) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, &buf); err != nil {
		return nil, err
	}
	if buf.Len() > mediaByteCap {
		return nil, fmt.Errorf("media exceeds %d byte cap", mediaByteCap)
	}
	return buf.Bytes(), nil
}

// resolvePeer finds the input peer for a destination chat id, refreshing
// the cache from the dialog list once on a miss.
func (s *telegramSession) resolvePeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	s.mu.Lock()
	peer, ok := s.peers[chatID]
	api := s.api
	s.mu.Unlock()
	if ok {
		return peer, nil
	}
	if api == nil {
		return nil, platform.ErrNotConnected
	}

	dlgs, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogs: %w", err)
	}
	var chats []tg.ChatClass
	var users []tg.UserClass
	switch d := dlgs.(type) {
	case *tg.MessagesDialogs:
		chats, users = d.Chats, d.Users
	case *tg.MessagesDialogsSlice:
		chats, users = d.Chats, d.Users
	}
	s.mu.Lock()
	for _, chat := range chats {
		switch c := chat.(type) {
		case *tg.Chat:
			s.peers[c.ID] = &tg.InputPeerChat{ChatID: c.ID}
		case *tg.Channel:
			s.peers[c.ID] = &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
		}
	}
	for _, user := range users {
		if u, isUser := user.(*tg.User); isUser {
			s.peers[u.ID] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		}
	}
	peer, ok = s.peers[chatID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: chat %d not reachable with this session", platform.ErrDestinationGone, chatID)
	}
	return peer, nil
}

func (s *telegramSession) SendMessage(ctx context.Context, msg platform.OutgoingMessage) error {
	if !s.connected.Load() {
		return platform.ErrNotConnected
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid destination chat id %q: %w", msg.ChatID, err)
	}
	peer, err := s.resolvePeer(ctx, chatID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return platform.ErrNotConnected
	}

	target := message.NewSender(api).To(peer)
	builder := &target.Builder
	if msg.TopicID != "" {
		// A forum topic is addressed by replying to its top message.
		if topicID, err := strconv.Atoi(msg.TopicID); err == nil {
			builder = builder.Reply(topicID)
		}
	}

	if len(msg.Files) == 0 {
		_, err = builder.Text(ctx, msg.Text)
		return classifySendErr(err)
	}

	up := uploader.NewUploader(api)
	caption := msg.Text
	for _, f := range msg.Files {
		file, uploadErr := up.FromReader(ctx, f.Name, f.Reader)
		if uploadErr != nil {
			return fmt.Errorf("failed to upload %s: %w", f.Name, uploadErr)
		}
		doc := message.UploadedDocument(file, styling.Plain(caption)).
			Filename(f.Name).
			MIME(f.ContentType)
		if _, err = builder.Media(ctx, doc); err != nil {
			return classifySendErr(err)
		}
		// Only the first file carries the message text.
		caption = ""
	}
	return nil
}

func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	if tgerr.Is(err, "CHANNEL_INVALID", "CHAT_ID_INVALID", "PEER_ID_INVALID", "CHANNEL_PRIVATE", "USER_BANNED_IN_CHANNEL") {
		return fmt.Errorf("%w: %v", platform.ErrDestinationGone, err)
	}
	return fmt.Errorf("telegram send failed: %w", err)
}
