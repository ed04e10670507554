package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/messaging-manager/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCursorRegression is returned when a cursor advance would move
	// the position backwards.
	ErrCursorRegression = errors.New("cursor regression")

	// ErrStatusConflict is returned when a draft transition is attempted
	// from a status it is not allowed from.
	ErrStatusConflict = errors.New("draft status conflict")
)

// DraftFilter holds optional criteria for listing drafts.
type DraftFilter struct {
	Status         *model.DraftStatus
	ConversationID string

	// LatestOnly keeps only the newest draft of each conversation.
	LatestOnly bool

	Limit int
}

// DraftTransition describes a compare-and-set status change. The update
// applies only while the draft is in one of the From statuses.
type DraftTransition struct {
	From []model.DraftStatus
	To   model.DraftStatus

	// ApprovedText, LastError and SentAt are written when non-nil.
	ApprovedText *string
	LastError    *string
	SentAt       *time.Time
}

// MessageStore persists canonical messages. It is append-only.
type MessageStore interface {
	// MergeMessages inserts the messages not yet stored and returns
	// exactly those, in input order.
	MergeMessages(ctx context.Context, msgs []model.CanonicalMessage) ([]model.CanonicalMessage, error)
	GetMessage(ctx context.Context, id string) (*model.CanonicalMessage, error)

	// RecentMessages returns the limit most recent messages of a
	// conversation, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.CanonicalMessage, error)

	// ActiveConversations lists conversations with messages at or after
	// since, most recently active first.
	ActiveConversations(ctx context.Context, since time.Time) ([]string, error)
}

// CursorStore persists per-(service, mailbox) sync cursors.
type CursorStore interface {
	// GetCursor returns nil when no cursor has been stored yet.
	GetCursor(ctx context.Context, serviceName, mailbox string) (*model.SyncCursor, error)
	AdvanceCursor(ctx context.Context, c model.SyncCursor) error
	ListCursors(ctx context.Context) ([]model.SyncCursor, error)
}

// DraftStore persists draft records.
type DraftStore interface {
	GetDraft(ctx context.Context, id string) (*model.DraftRecord, error)

	// InsertDraft stores d unless a draft with the same ID exists and
	// reports whether it was inserted.
	InsertDraft(ctx context.Context, d model.DraftRecord) (bool, error)
	ListDrafts(ctx context.Context, filter DraftFilter) ([]model.DraftRecord, error)
	TransitionDraft(ctx context.Context, id string, t DraftTransition) error
}

// Store is the full persistence contract.
type Store interface {
	MessageStore
	CursorStore
	DraftStore
	Close() error
}
