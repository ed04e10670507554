// Package approval moves drafts through their review lifecycle and sends
// approved replies through the originating source.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/notify"
	"github.com/nhle/messaging-manager/internal/source"
	"github.com/nhle/messaging-manager/internal/store"
)

var (
	// ErrAlreadySent is returned when approving a draft whose reply has
	// already gone out.
	ErrAlreadySent = errors.New("draft already sent")

	// ErrIllegalTransition is returned for a status change the lifecycle
	// does not allow.
	ErrIllegalTransition = errors.New("illegal draft transition")

	// ErrEmptyReply is returned when approving with no text and the
	// draft carries no suggested reply to fall back on.
	ErrEmptyReply = errors.New("empty reply text")
)

// SendError reports a failed outbound reply. The draft stays approved and
// the failure is recorded as its last error.
type SendError struct {
	DraftID     string
	ServiceName string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending draft %s via %s: %v", e.DraftID, e.ServiceName, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// bookkeepingTimeout bounds recording the outcome of a send attempt.
const bookkeepingTimeout = 10 * time.Second

// Machine applies review decisions to drafts.
type Machine struct {
	store       store.DraftStore
	registry    *source.Registry
	locker      lock.Locker
	notifier    notify.Notifier
	logger      *zap.Logger
	sendTimeout time.Duration
	now         func() time.Time
}

// NewMachine creates a Machine. sendTimeout bounds each outbound reply;
// zero selects 30 seconds.
func NewMachine(
	s store.DraftStore,
	registry *source.Registry,
	locker lock.Locker,
	n notify.Notifier,
	logger *zap.Logger,
	sendTimeout time.Duration,
) *Machine {
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Machine{
		store:       s,
		registry:    registry,
		locker:      locker,
		notifier:    n,
		logger:      logger,
		sendTimeout: sendTimeout,
		now:         time.Now,
	}
}

// Ignore marks a pending draft as ignored. Ignoring an ignored draft is
// a no-op.
func (m *Machine) Ignore(ctx context.Context, id string) error {
	release, err := m.locker.Acquire(ctx, "send:"+id)
	if err != nil {
		return fmt.Errorf("locking draft %s: %w", id, err)
	}
	defer release()

	d, err := m.store.GetDraft(ctx, id)
	if err != nil {
		return err
	}

	switch d.Status {
	case model.DraftIgnored:
		return nil
	case model.DraftPending:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, d.Status, model.DraftIgnored)
	}

	err = m.store.TransitionDraft(ctx, id, store.DraftTransition{
		From: []model.DraftStatus{model.DraftPending},
		To:   model.DraftIgnored,
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	if err != nil {
		return err
	}

	m.logger.Info("draft ignored", zap.String("draft_id", id))
	return nil
}

// Approve records text as the reply for a draft and sends it to the
// conversation's counterpart. An empty text approves the suggested reply.
// The returned record reflects the stored state after the attempt, also
// when a *SendError is returned.
func (m *Machine) Approve(ctx context.Context, id, text string) (*model.DraftRecord, error) {
	release, err := m.locker.Acquire(ctx, "send:"+id)
	if err != nil {
		return nil, fmt.Errorf("locking draft %s: %w", id, err)
	}
	defer release()

	d, err := m.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == model.DraftSent {
		return d, ErrAlreadySent
	}

	if strings.TrimSpace(text) == "" && d.Generated.ReplyText != nil {
		text = *d.Generated.ReplyText
	}
	if strings.TrimSpace(text) == "" {
		return d, ErrEmptyReply
	}

	err = m.store.TransitionDraft(ctx, id, store.DraftTransition{
		From:         []model.DraftStatus{model.DraftPending, model.DraftIgnored, model.DraftApproved},
		To:           model.DraftApproved,
		ApprovedText: &text,
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return d, ErrAlreadySent
	}
	if err != nil {
		return nil, err
	}

	sendErr := m.send(ctx, d, text)

	// The outcome is recorded even when the caller gives up after the
	// reply went out, or the draft would stay approved and be sent again.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if sendErr != nil {
		msg := sendErr.Error()
		if err := m.store.TransitionDraft(ctx, id, store.DraftTransition{
			From:      []model.DraftStatus{model.DraftApproved},
			To:        model.DraftApproved,
			LastError: &msg,
		}); err != nil {
			m.logger.Error("recording send failure", zap.String("draft_id", id), zap.Error(err))
		}
		m.logger.Warn("reply not sent", zap.String("draft_id", id), zap.Error(sendErr))
		return m.reload(ctx, d), sendErr
	}

	sentAt := m.now().UTC()
	cleared := ""
	if err := m.store.TransitionDraft(ctx, id, store.DraftTransition{
		From:      []model.DraftStatus{model.DraftApproved},
		To:        model.DraftSent,
		LastError: &cleared,
		SentAt:    &sentAt,
	}); err != nil {
		return nil, fmt.Errorf("marking draft %s sent: %w", id, err)
	}

	sent := m.reload(ctx, d)
	m.logger.Info("reply sent",
		zap.String("draft_id", id),
		zap.String("conversation_id", d.ConversationID),
	)

	ev := notify.Event{DraftID: id, ConversationID: d.ConversationID, Status: string(model.DraftSent)}
	if last, ok := d.LastMessage(); ok {
		ev.ServiceName = last.ServiceName
	}
	m.notifier.Publish(ctx, notify.SubjectDraftSent, ev)

	return sent, nil
}

// send replies to the last message of the draft's window through the
// adapter of that message's service.
func (m *Machine) send(ctx context.Context, d *model.DraftRecord, text string) *SendError {
	last, ok := d.LastMessage()
	if !ok {
		return &SendError{DraftID: d.DraftID, Err: errors.New("draft has an empty window")}
	}

	fail := func(err error) *SendError {
		return &SendError{DraftID: d.DraftID, ServiceName: last.ServiceName, Err: err}
	}

	adapter, ok := m.registry.Get(last.ServiceName)
	if !ok {
		return fail(fmt.Errorf("no adapter registered for %q", last.ServiceName))
	}

	ctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	if !adapter.IsLoggedIn(ctx) {
		if err := adapter.Login(ctx); err != nil {
			return fail(fmt.Errorf("logging in: %w", err))
		}
	}

	if err := adapter.Reply(ctx, last.SourceKeys, text); err != nil {
		return fail(err)
	}
	return nil
}

// reload re-reads a draft, falling back to fallback when the read fails.
func (m *Machine) reload(ctx context.Context, fallback *model.DraftRecord) *model.DraftRecord {
	d, err := m.store.GetDraft(ctx, fallback.DraftID)
	if err != nil {
		m.logger.Warn("reloading draft", zap.String("draft_id", fallback.DraftID), zap.Error(err))
		return fallback
	}
	return d
}
