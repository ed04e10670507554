// Package telegram implements the chat source on top of the Telegram Bot
// API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/source"
)

// TypeName is the source type of Telegram adapters.
const TypeName = "telegram"

// Mailbox is the single update stream a bot polls.
const Mailbox = "updates"

// Reply keys stored with every Telegram item.
const (
	KeyChatID    = "chat_id"
	KeyMessageID = "message_id"
)

// maxDownloadSize caps the bytes written for a single file.
const maxDownloadSize = 20 << 20

// API is the subset of the Bot API client the adapter uses.
type API interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Config is the resolved configuration of one Telegram source.
type Config struct {
	ServiceName string
	Token       string
	MediaDir    string

	// OwnerID is the account owner's user ID. Messages from it are
	// treated as outgoing.
	OwnerID int64

	// APIEndpoint overrides the Bot API endpoint format.
	APIEndpoint string
}

// RequiredFields names the credentials a Telegram source needs.
func RequiredFields() []string {
	return []string{"token"}
}

// ConfigFromSource resolves src into a Config. The bot token is looked
// up through lookup under "<name>/token" unless set inline.
func ConfigFromSource(
	src model.SourceConfig,
	mediaDir string,
	lookup func(key string) (string, error),
) (Config, error) {
	cfg := Config{
		ServiceName: src.Name,
		MediaDir:    mediaDir,
		Token:       strings.TrimSpace(src.Config["token"]),
		APIEndpoint: strings.TrimSpace(src.Config["api_endpoint"]),
	}

	if cfg.Token == "" {
		tok, err := lookup(src.Name + "/token")
		if err != nil {
			return Config{}, fmt.Errorf("telegram source %s: %w", src.Name, err)
		}
		cfg.Token = tok
	}

	if v := strings.TrimSpace(src.Config["owner_id"]); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("telegram source %s: owner_id: %w", src.Name, err)
		}
		cfg.OwnerID = id
	}
	return cfg, nil
}

// Adapter implements source.Adapter for a Telegram bot.
type Adapter struct {
	cfg        Config
	newAPI     func(token, endpoint string) (API, error)
	httpClient *http.Client
	logger     *zap.Logger

	mu  sync.Mutex
	api API

	// sent holds replies not yet acknowledged by a committed cursor. The
	// Bot API does not echo a bot's own messages, so they are surfaced as
	// outgoing items.
	sent    []echo
	echoSeq int64

	// echoEpoch scopes echo acknowledgments to this adapter instance.
	echoEpoch string
}

var _ source.Adapter = (*Adapter)(nil)

// NewAdapter creates a Telegram adapter. No request is made until Login.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		newAPI:     defaultAPI,
		httpClient: &http.Client{Timeout: time.Minute},
		logger:     logger.With(zap.String("service", cfg.ServiceName)),
		echoEpoch:  strconv.FormatInt(time.Now().UnixNano(), 36),
	}
}

// apiTimeout bounds a single Bot API request. Callers' contexts usually
// expire sooner.
const apiTimeout = time.Minute

func defaultAPI(token, endpoint string) (API, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: apiTimeout})
}

// withContext runs call and returns early when ctx is done. The Bot API
// client takes no context; its own HTTP timeout ends an abandoned call.
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *Adapter) Describe() source.Descriptor {
	return source.Descriptor{
		ServiceName:        a.cfg.ServiceName,
		Type:               TypeName,
		RequiredInitFields: RequiredFields(),
	}
}

// Login validates the bot token.
func (a *Adapter) Login(ctx context.Context) error {
	api, err := withContext(ctx, func() (API, error) {
		return a.newAPI(a.cfg.Token, a.cfg.APIEndpoint)
	})
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && (tgErr.Code == http.StatusUnauthorized || tgErr.Code == http.StatusNotFound) {
			return &source.AuthError{ServiceName: a.cfg.ServiceName, Message: tgErr.Message}
		}
		return fmt.Errorf("connecting to telegram: %w", err)
	}

	a.mu.Lock()
	a.api = api
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Logout(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.api = nil
	return nil
}

func (a *Adapter) IsLoggedIn(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.api != nil
}

func (a *Adapter) Mailboxes() []string {
	return []string{Mailbox}
}

func (a *Adapter) client() (API, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil, errors.New("not logged in")
	}
	return a.api, nil
}

// FetchSince returns the messages of updates after the cursor position,
// which is the last processed update_id. The cursor token records the
// last reply echo the caller has committed.
func (a *Adapter) FetchSince(
	ctx context.Context,
	_ string,
	cursor model.Cursor,
	limit int,
) (*source.Batch, error) {
	api, err := a.client()
	if err != nil {
		return nil, err
	}

	cfg := tgbotapi.NewUpdate(0)
	if cursor.Position > 0 {
		cfg.Offset = int(cursor.Position) + 1
	}
	if limit > 0 && limit < 100 {
		cfg.Limit = limit
	} else {
		cfg.Limit = 100
	}
	cfg.AllowedUpdates = []string{"message"}

	updates, err := withContext(ctx, func() ([]tgbotapi.Update, error) {
		return api.GetUpdates(cfg)
	})
	if err != nil {
		return nil, err
	}
	if len(updates) == cfg.Limit {
		updates = holdTrailingGroup(updates)
	}

	batch := &source.Batch{Next: cursor}
	for _, u := range updates {
		if int64(u.UpdateID) > batch.Next.Position {
			batch.Next.Position = int64(u.UpdateID)
		}
		if u.Message == nil {
			continue
		}
		batch.Items = append(batch.Items, a.toRawItem(ctx, api, u.Message))
	}

	for _, e := range a.pendingEchoes(cursor.Token) {
		item := a.toRawItem(ctx, api, &e.msg)
		item.Outgoing = true
		batch.Items = append(batch.Items, item)
		batch.Next.Token = a.echoEpoch + ":" + strconv.FormatInt(e.seq, 10)
	}

	return batch, nil
}

// holdTrailingGroup drops an album cut off by the page limit so that it is
// fetched whole on the next page. A page made of a single album is kept.
func holdTrailingGroup(updates []tgbotapi.Update) []tgbotapi.Update {
	group := mediaGroup(updates[len(updates)-1])
	if group == "" {
		return updates
	}

	start := len(updates) - 1
	for start > 0 && mediaGroup(updates[start-1]) == group {
		start--
	}
	if start == 0 {
		return updates
	}
	return updates[:start]
}

func mediaGroup(u tgbotapi.Update) string {
	if u.Message == nil {
		return ""
	}
	return u.Message.MediaGroupID
}

// echo is a reply sent by the bot, kept until a committed cursor token
// acknowledges it.
type echo struct {
	seq int64
	msg tgbotapi.Message
}

// pendingEchoes forgets the echoes acknowledged by token and returns the
// rest. A token from another adapter instance acknowledges nothing.
func (a *Adapter) pendingEchoes(token string) []echo {
	var acked int64
	if epoch, seq, ok := strings.Cut(token, ":"); ok && epoch == a.echoEpoch {
		acked, _ = strconv.ParseInt(seq, 10, 64)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	keep := a.sent[:0]
	for _, e := range a.sent {
		if e.seq > acked {
			keep = append(keep, e)
		}
	}
	a.sent = keep
	return append([]echo(nil), keep...)
}

// Reply sends text to the chat of the item identified by keys, quoting it.
func (a *Adapter) Reply(ctx context.Context, keys map[string]string, text string) error {
	api, err := a.client()
	if err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(keys[KeyChatID], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", keys[KeyChatID], err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if id, err := strconv.Atoi(keys[KeyMessageID]); err == nil {
		msg.ReplyToMessageID = id
		msg.AllowSendingWithoutReply = true
	}

	sent, err := withContext(ctx, func() (tgbotapi.Message, error) {
		return api.Send(msg)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.echoSeq++
	a.sent = append(a.sent, echo{seq: a.echoSeq, msg: sent})
	a.mu.Unlock()
	return nil
}

func (a *Adapter) toRawItem(ctx context.Context, api API, m *tgbotapi.Message) source.RawItem {
	var chatID string
	if m.Chat != nil {
		chatID = strconv.FormatInt(m.Chat.ID, 10)
	}
	msgID := strconv.Itoa(m.MessageID)

	item := source.RawItem{
		Kind:        source.KindChat,
		ID:          msgID,
		Mailbox:     Mailbox,
		PeerID:      chatID,
		GroupID:     m.MediaGroupID,
		Body:        []byte(messageText(m)),
		Description: describe(m),
		Keys: map[string]string{
			KeyChatID:    chatID,
			KeyMessageID: msgID,
		},
	}
	if m.Date > 0 {
		item.Timestamp = m.Time()
	}
	if m.From != nil {
		item.SenderID = strconv.FormatInt(m.From.ID, 10)
		item.SenderName = senderName(m.From)
		item.Outgoing = a.cfg.OwnerID != 0 && m.From.ID == a.cfg.OwnerID
	}

	for _, f := range files(m) {
		path, err := a.download(ctx, api, chatID, msgID, f)
		if err != nil {
			a.logger.Warn("downloading file",
				zap.String("chat_id", chatID),
				zap.String("message_id", msgID),
				zap.Error(err),
			)
			continue
		}
		item.Attachments = append(item.Attachments, path)
	}
	return item
}

// remoteFile is a downloadable payload of a message.
type remoteFile struct {
	id   string
	name string
}

func files(m *tgbotapi.Message) []remoteFile {
	var out []remoteFile
	if len(m.Photo) > 0 {
		largest := m.Photo[0]
		for _, p := range m.Photo[1:] {
			if p.Width*p.Height > largest.Width*largest.Height {
				largest = p
			}
		}
		out = append(out, remoteFile{id: largest.FileID, name: "photo.jpg"})
	}
	if m.Document != nil {
		name := m.Document.FileName
		if name == "" {
			name = "document"
		}
		out = append(out, remoteFile{id: m.Document.FileID, name: name})
	}
	return out
}

// download fetches f into the media directory.
func (a *Adapter) download(ctx context.Context, api API, chatID, msgID string, f remoteFile) (string, error) {
	url, err := api.GetFileDirectURL(f.id)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: status %d", f.id, resp.StatusCode)
	}

	dir := filepath.Join(a.cfg.MediaDir, a.cfg.ServiceName, chatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, msgID+"_"+filepath.Base(f.name))

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxDownloadSize)); err != nil {
		out.Close()
		return "", err
	}
	return path, out.Close()
}

func messageText(m *tgbotapi.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func senderName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// describe synthesizes text for payloads that carry no text of their own.
func describe(m *tgbotapi.Message) string {
	switch {
	case m.Sticker != nil:
		return strings.TrimSpace("sent a sticker " + m.Sticker.Emoji)
	case m.Venue != nil:
		return fmt.Sprintf("shared a location: %s, %s", m.Venue.Title, m.Venue.Address)
	case m.Location != nil:
		return fmt.Sprintf("shared a location: %.5f, %.5f", m.Location.Latitude, m.Location.Longitude)
	case m.Contact != nil:
		name := strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
		return fmt.Sprintf("shared a contact: %s %s", name, m.Contact.PhoneNumber)
	case m.Poll != nil:
		return "sent a poll: " + m.Poll.Question
	case m.Voice != nil:
		return "sent a voice message"
	case m.Video != nil:
		return "sent a video"
	case m.Animation != nil:
		return "sent a GIF"
	}

	if url := firstURL(m); url != "" {
		return "shared a webpage: " + url
	}
	return ""
}

// firstURL returns the first link of a text message.
func firstURL(m *tgbotapi.Message) string {
	for _, e := range m.Entities {
		switch e.Type {
		case "text_link":
			return e.URL
		case "url":
			return entityText(m.Text, e.Offset, e.Length)
		}
	}
	return ""
}

// entityText extracts an entity; offsets are in UTF-16 code units.
func entityText(text string, offset, length int) string {
	units := utf16.Encode([]rune(text))
	if offset < 0 || length <= 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}
