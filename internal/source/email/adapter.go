// Package email implements the IMAP/SMTP messaging source.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gopkg.in/gomail.v2"

	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/source"
)

// TypeName is the source type of email adapters.
const TypeName = "email"

// Adapter implements source.Adapter for an IMAP mailbox with SMTP replies.
type Adapter struct {
	cfg    Config
	imap   *IMAPClient
	tokens oauth2.TokenSource
	send   func(ctx context.Context, m *gomail.Message) error
	logger *zap.Logger
	now    func() time.Time
}

var _ source.Adapter = (*Adapter)(nil)

// NewAdapter creates an email adapter. No connection is made until Login.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	var tokens oauth2.TokenSource
	if cfg.Auth == AuthOAuth {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		tokens = oauth2.ReuseTokenSource(nil, oc.TokenSource(context.Background(), &oauth2.Token{
			RefreshToken: cfg.RefreshToken,
		}))
	}

	a := &Adapter{
		cfg:    cfg,
		imap:   NewIMAPClient(cfg, tokens),
		tokens: tokens,
		logger: logger.With(zap.String("service", cfg.ServiceName)),
		now:    time.Now,
	}
	a.send = a.dialAndSend
	return a
}

func (a *Adapter) Describe() source.Descriptor {
	return source.Descriptor{
		ServiceName:        a.cfg.ServiceName,
		Type:               TypeName,
		RequiredInitFields: RequiredFields(a.cfg.Auth),
	}
}

func (a *Adapter) Login(ctx context.Context) error {
	if err := a.imap.Connect(ctx); err != nil {
		return err
	}
	a.logger.Info("imap session established", zap.String("user", a.cfg.Username))
	return nil
}

func (a *Adapter) Logout(context.Context) error {
	return a.imap.Close()
}

func (a *Adapter) IsLoggedIn(context.Context) bool {
	return a.imap.Connected()
}

func (a *Adapter) Mailboxes() []string {
	boxes := []string{a.cfg.Inbox}
	if a.cfg.SentMailbox != "" && a.cfg.SentMailbox != a.cfg.Inbox {
		boxes = append(boxes, a.cfg.SentMailbox)
	}
	return boxes
}

// FetchSince returns the messages of mailbox above the cursor's UID.
// The cursor token holds the mailbox UIDVALIDITY; the position packs a
// validity epoch above the last UID so it grows across resets.
func (a *Adapter) FetchSince(
	ctx context.Context,
	mailbox string,
	cursor model.Cursor,
	limit int,
) (*source.Batch, error) {
	validity, lastUID := splitCursor(cursor)

	var since time.Time
	if cursor.Token == "" && a.cfg.InitialLookback > 0 {
		since = a.now().Add(-a.cfg.InitialLookback)
	}

	parse := func(raw []byte, env Envelope) ParsedMessage {
		return parseMessage(raw, env, a.cfg.MediaDir)
	}

	res, err := a.imap.FetchSince(ctx, mailbox, validity, lastUID, since, limit, parse)
	if err != nil {
		return nil, err
	}

	if cursor.Token != "" && res.UIDValidity != validity {
		a.logger.Warn("mailbox UIDVALIDITY changed, resyncing",
			zap.String("mailbox", mailbox),
			zap.Uint32("old", validity),
			zap.Uint32("new", res.UIDValidity),
		)
	}

	batch := &source.Batch{Next: nextCursor(cursor, res.UIDValidity, res.LastUID)}
	for _, m := range res.Messages {
		batch.Items = append(batch.Items, a.toRawItem(mailbox, res.UIDValidity, m))
	}
	return batch, nil
}

func (a *Adapter) toRawItem(mailbox string, validity uint32, m ParsedMessage) source.RawItem {
	env := m.Envelope
	from := strings.ToLower(env.From)

	var recipient string
	if len(env.To) > 0 {
		recipient = strings.ToLower(env.To[0])
	}

	outgoing := from != "" && from == strings.ToLower(a.cfg.Address)
	replyTo := from
	if outgoing {
		replyTo = recipient
	}

	return source.RawItem{
		Kind:        source.KindEmail,
		ID:          env.MessageID,
		Sequence:    strconv.FormatUint(uint64(env.UID), 10),
		Mailbox:     mailbox,
		SenderID:    from,
		SenderName:  env.FromName,
		Recipient:   recipient,
		Outgoing:    outgoing,
		Subject:     env.Subject,
		Body:        m.TextBody,
		Charset:     m.Charset,
		Timestamp:   env.Date,
		Attachments: m.Attachments,
		Keys: map[string]string{
			KeyMailbox:     mailbox,
			KeyUIDValidity: strconv.FormatUint(uint64(validity), 10),
			KeyUID:         strconv.FormatUint(uint64(env.UID), 10),
			KeyMessageID:   env.MessageID,
			KeyReplyTo:     replyTo,
			KeySubject:     env.Subject,
			KeyReferences:  formatReferences(env.References),
		},
	}
}

// Reply sends text as a reply to the message identified by keys and
// flags the original as answered. Failing to set the flag after a
// successful send is only logged.
func (a *Adapter) Reply(ctx context.Context, keys map[string]string, text string) error {
	m, err := composeReply(a.cfg.Address, keys, text)
	if err != nil {
		return err
	}

	if err := a.send(ctx, m); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	validity, err1 := strconv.ParseUint(keys[KeyUIDValidity], 10, 32)
	uid, err2 := strconv.ParseUint(keys[KeyUID], 10, 32)
	if err1 != nil || err2 != nil || keys[KeyMailbox] == "" {
		return nil
	}
	if err := a.imap.MarkAnswered(ctx, keys[KeyMailbox], uint32(validity), uint32(uid)); err != nil {
		a.logger.Warn("flagging message answered", zap.String("uid", keys[KeyUID]), zap.Error(err))
	}
	return nil
}

// dialAndSend delivers m over SMTP, giving up when ctx is done.
func (a *Adapter) dialAndSend(ctx context.Context, m *gomail.Message) error {
	d := gomail.NewDialer(a.cfg.SMTPHost, a.cfg.SMTPPort, a.cfg.Username, a.cfg.Password)
	d.SSL = a.cfg.SMTPPort == 465
	d.TLSConfig = &tls.Config{ServerName: a.cfg.SMTPHost}

	if a.cfg.Auth == AuthOAuth {
		tok, err := a.tokens.Token()
		if err != nil {
			return &source.AuthError{ServiceName: a.cfg.ServiceName, Message: err.Error()}
		}
		d.Auth = &xoauth2Auth{username: a.cfg.Username, token: tok.AccessToken}
	}

	errc := make(chan error, 1)
	go func() { errc <- d.DialAndSend(m) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitCursor extracts the UIDVALIDITY and last UID from a cursor.
func splitCursor(c model.Cursor) (validity, lastUID uint32) {
	v, err := strconv.ParseUint(c.Token, 10, 32)
	if err != nil {
		return 0, 0
	}
	return uint32(v), uint32(c.Position & 0xffffffff)
}

// nextCursor builds the cursor after a fetch. The epoch in the high bits
// is bumped whenever the UIDVALIDITY changes.
func nextCursor(prev model.Cursor, validity, lastUID uint32) model.Cursor {
	token := strconv.FormatUint(uint64(validity), 10)
	epoch := prev.Position >> 32
	if prev.Token != "" && prev.Token != token {
		epoch++
	}
	return model.Cursor{Position: epoch<<32 | int64(lastUID), Token: token}
}
