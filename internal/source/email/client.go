package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/nhle/messaging-manager/internal/source"
)

// IMAPClient keeps one authenticated IMAP session open across polls.
// All methods are safe for concurrent use; commands are serialized.
type IMAPClient struct {
	cfg    Config
	tokens oauth2.TokenSource

	mu     sync.Mutex
	client *imapclient.Client
}

// NewIMAPClient creates an IMAP client for cfg. tokens is used for
// OAUTHBEARER authentication and may be nil for password auth.
func NewIMAPClient(cfg Config, tokens oauth2.TokenSource) *IMAPClient {
	return &IMAPClient{cfg: cfg, tokens: tokens}
}

// Connect establishes and authenticates the session, replacing any
// existing one.
func (c *IMAPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	addr := net.JoinHostPort(c.cfg.IMAPHost, strconv.Itoa(c.cfg.IMAPPort))

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	stop := interruptOnDone(ctx, client)
	err = c.authenticate(ctx, client)
	stop()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &source.AuthError{
			ServiceName: c.cfg.ServiceName,
			Message:     fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
		}
	}

	c.client = client
	return nil
}

func (c *IMAPClient) authenticate(ctx context.Context, client *imapclient.Client) error {
	if c.cfg.Auth != AuthOAuth {
		return client.Login(c.cfg.Username, c.cfg.Password).Wait()
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("refreshing access token: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: c.cfg.Username,
		Token:    tok.AccessToken,
	}))
}

// Connected reports whether an authenticated session is open.
func (c *IMAPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return false
	}
	st := c.client.State()
	return st == imap.ConnStateAuthenticated || st == imap.ConnStateSelected
}

// Close logs out and drops the session.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *IMAPClient) closeLocked() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	_ = c.client.Close()
	c.client = nil
	return err
}

// FetchResult is the outcome of one incremental mailbox fetch.
type FetchResult struct {
	UIDValidity uint32

	// LastUID is the highest UID covered by this fetch.
	LastUID  uint32
	Messages []ParsedMessage
}

// FetchSince returns up to limit messages of mailbox with a UID above
// lastUID, oldest first. When since is non-zero the search is also
// restricted to mail received after it. lastUID is ignored when the
// mailbox UIDVALIDITY differs from validity.
func (c *IMAPClient) FetchSince(
	ctx context.Context,
	mailbox string,
	validity, lastUID uint32,
	since time.Time,
	limit int,
	parse func(raw []byte, env Envelope) ParsedMessage,
) (*FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	stop := interruptOnDone(ctx, c.client)
	res, err := c.fetchLocked(ctx, mailbox, validity, lastUID, since, limit, parse)
	stop()
	return res, c.settleLocked(ctx, err)
}

// interruptOnDone closes client when ctx is done so that a command blocked
// on the network returns. The returned func stops watching ctx.
func interruptOnDone(ctx context.Context, client *imapclient.Client) func() bool {
	return context.AfterFunc(ctx, func() { _ = client.Close() })
}

// settleLocked drops the session when err or an expired ctx left it
// unusable, and reports the context error in place of the I/O error it
// caused.
func (c *IMAPClient) settleLocked(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		_ = c.client.Close()
		c.client = nil
		return ctxErr
	}
	if err != nil && isConnError(err) {
		c.closeLocked()
	}
	return err
}

func (c *IMAPClient) fetchLocked(
	ctx context.Context,
	mailbox string,
	validity, lastUID uint32,
	since time.Time,
	limit int,
	parse func(raw []byte, env Envelope) ParsedMessage,
) (*FetchResult, error) {
	sel, err := c.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	if sel.UIDValidity != validity {
		lastUID = 0
	}
	res := &FetchResult{UIDValidity: sel.UIDValidity, LastUID: lastUID}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}}},
	}
	if !since.IsZero() {
		criteria.Since = since
	}

	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", mailbox, err)
	}

	// "n:*" always matches the newest message, even below n.
	var uids []imap.UID
	for _, uid := range searchData.AllUIDs() {
		if uint32(uid) > lastUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if len(uids) == 0 {
		if !since.IsZero() && sel.UIDNext > 0 {
			// First sync found nothing recent: start from the current end.
			res.LastUID = uint32(sel.UIDNext) - 1
		}
		return res, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collecting message: %w", err)
		}

		env := envelopeFromBuffer(buf)
		res.Messages = append(res.Messages, parse(buf.FindBodySection(bodySection), env))
		if env.UID > res.LastUID {
			res.LastUID = env.UID
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", mailbox, err)
	}

	sort.SliceStable(res.Messages, func(i, j int) bool {
		return res.Messages[i].Envelope.UID < res.Messages[j].Envelope.UID
	})
	return res, nil
}

// MarkAnswered flags a message as answered. The flag is skipped when the
// mailbox UIDVALIDITY no longer matches validity.
func (c *IMAPClient) MarkAnswered(ctx context.Context, mailbox string, validity, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	stop := interruptOnDone(ctx, c.client)
	err := c.markAnsweredLocked(mailbox, validity, uid)
	stop()
	return c.settleLocked(ctx, err)
}

func (c *IMAPClient) markAnsweredLocked(mailbox string, validity, uid uint32) error {
	sel, err := c.client.Select(mailbox, nil).Wait()
	if err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	if sel.UIDValidity != validity {
		return nil
	}

	storeCmd := c.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagAnswered},
	}, nil)
	return storeCmd.Close()
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
		env.References = append(env.References, buf.Envelope.InReplyTo...)

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			env.From = from.Addr()
			env.FromName = from.Name
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}

// isConnError reports whether err means the session is unusable.
func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
