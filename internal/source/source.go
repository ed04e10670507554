package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/messaging-manager/internal/model"
)

// AuthError indicates that authentication has failed or expired for a source.
// It is returned by adapters when the upstream rejects their credentials.
type AuthError struct {
	ServiceName string
	Message     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.ServiceName, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// FetchError wraps a transient failure while pulling items from a source.
// The poll cycle logs it and retries on the next cycle.
type FetchError struct {
	ServiceName string
	Mailbox     string
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s/%s: %v", e.ServiceName, e.Mailbox, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ItemKind distinguishes the two families of upstream payloads.
type ItemKind string

const (
	KindChat  ItemKind = "chat"
	KindEmail ItemKind = "email"
)

// RawItem is a single upstream message as produced by an adapter, before
// normalization.
type RawItem struct {
	// Kind selects the normalization rules applied to the item.
	Kind ItemKind

	// ID is the upstream natural key (chat message ID or email Message-ID).
	// It may be empty for email without a Message-ID header.
	ID string

	// Sequence is a mailbox-scoped fallback key (e.g., an IMAP UID),
	// used when ID is empty.
	Sequence string

	// Mailbox is the mailbox or folder the item was fetched from.
	Mailbox string

	// PeerID identifies the chat the item belongs to.
	PeerID string

	// GroupID is the album/media-group identifier shared by the parts
	// of a multi-part post. Empty for standalone items.
	GroupID string

	SenderID   string
	SenderName string

	// Recipient is the primary recipient address of an email.
	Recipient string

	// Outgoing is true when the account owner sent the item.
	Outgoing bool

	// Subject is the email subject line.
	Subject string

	// Body is the text payload in the encoding named by Charset.
	Body []byte

	// Charset names the encoding of Body. Empty means UTF-8.
	Charset string

	// Timestamp is the upstream send time. The zero value means the
	// upstream item carried no usable date.
	Timestamp time.Time

	// Description is adapter-synthesized text for non-text payloads
	// (webpage shares, stickers, locations).
	Description string

	// Attachments lists local file paths written by the adapter.
	Attachments []string

	// Keys holds the adapter-specific fields needed to reply to this item.
	Keys map[string]string
}

// Batch is the result of one incremental fetch.
type Batch struct {
	Items []RawItem

	// Next is the cursor to persist once Items are durably merged.
	Next model.Cursor
}

// Descriptor advertises an adapter's identity and configuration needs.
type Descriptor struct {
	// ServiceName is the adapter's service name.
	ServiceName string

	// Type is the adapter kind.
	Type string

	// RequiredInitFields names the configuration keys the adapter needs.
	RequiredInitFields []string
}

// Adapter defines the contract that every messaging source must implement.
type Adapter interface {
	// Describe returns the adapter's identity and configuration needs.
	Describe() Descriptor

	// Login establishes a session with the upstream service.
	Login(ctx context.Context) error

	// Logout tears down the upstream session.
	Logout(ctx context.Context) error

	// IsLoggedIn reports whether a usable session exists.
	IsLoggedIn(ctx context.Context) bool

	// Mailboxes lists the mailboxes polled by this adapter. Each
	// mailbox has its own cursor.
	Mailboxes() []string

	// FetchSince returns items newer than cursor in mailbox, at most
	// limit of them, together with the cursor to persist afterwards.
	FetchSince(
		ctx context.Context,
		mailbox string,
		cursor model.Cursor,
		limit int,
	) (*Batch, error)

	// Reply sends text as a reply to the item identified by keys.
	Reply(ctx context.Context, keys map[string]string, text string) error
}
