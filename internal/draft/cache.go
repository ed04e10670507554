// Package draft produces reply drafts for conversation windows and caches
// them by the content of the window.
package draft

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/drafting"
	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/memo"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
)

// ErrEmptyWindow is returned when asked to draft a window with no messages.
var ErrEmptyWindow = errors.New("empty conversation window")

// GenerationError reports a failed drafting call or a result that does
// not match the draft schema. Nothing is persisted when it occurs.
type GenerationError struct {
	DraftID string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating draft %s: %v", e.DraftID, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ID returns the content address of a window: the hash of its ordered
// message IDs.
func ID(messageIDs []string) string {
	h := sha256.New()
	for i, id := range messageIDs {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache returns the draft for a window, generating it through the
// drafting service at most once per distinct window.
type Cache struct {
	store    store.DraftStore
	drafter  drafting.Service
	once     *memo.Once[*model.DraftRecord]
	validate *validator.Validate
	prompt   *PromptBuilder
	logger   *zap.Logger
	now      func() time.Time
}

// NewCache creates a draft cache. locker serializes generation of the
// same draft across processes.
func NewCache(
	s store.DraftStore,
	drafter drafting.Service,
	locker lock.Locker,
	logger *zap.Logger,
) *Cache {
	return &Cache{
		store:    s,
		drafter:  drafter,
		once:     memo.NewOnce[*model.DraftRecord](locker, "draft:"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		prompt:   NewPromptBuilder(drafter, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// EnsureDraft returns the stored draft for win, creating it on a miss.
func (c *Cache) EnsureDraft(ctx context.Context, win model.ConversationWindow) (*model.DraftRecord, error) {
	d, _, err := c.ensure(ctx, win)
	return d, err
}

// ensure is EnsureDraft that also reports whether this call created the
// record.
func (c *Cache) ensure(
	ctx context.Context,
	win model.ConversationWindow,
) (*model.DraftRecord, bool, error) {
	if len(win.Messages) == 0 {
		return nil, false, ErrEmptyWindow
	}

	id := ID(win.MessageIDs())

	load := func(ctx context.Context) (*model.DraftRecord, bool, error) {
		d, err := c.store.GetDraft(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return d, true, nil
	}

	create := func(ctx context.Context) (*model.DraftRecord, error) {
		return c.generate(ctx, id, win)
	}

	return c.once.Do(ctx, id, load, create)
}

// generate runs the drafting service on win and persists the result.
func (c *Cache) generate(
	ctx context.Context,
	id string,
	win model.ConversationWindow,
) (*model.DraftRecord, error) {
	rendered := c.prompt.Render(ctx, win)

	raw, err := c.drafter.Complete(ctx, drafting.CompletionRequest{
		System:     systemPrompt,
		Context:    rendered,
		SchemaName: schemaName,
		Schema:     draftSchema,
	})
	if err != nil {
		return nil, &GenerationError{DraftID: id, Err: err}
	}

	fields, err := c.decode(raw)
	if err != nil {
		return nil, &GenerationError{DraftID: id, Err: err}
	}

	status := model.DraftIgnored
	if fields.ReplySuggested {
		status = model.DraftPending
	}

	now := c.now().UTC()
	record := model.DraftRecord{
		DraftID:        id,
		ConversationID: win.ConversationID,
		Window:         win.Messages,
		Generated:      fields,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := c.store.InsertDraft(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another writer stored it between our check and insert.
		return c.store.GetDraft(ctx, id)
	}

	c.logger.Info("draft created",
		zap.String("draft_id", id),
		zap.String("conversation_id", win.ConversationID),
		zap.String("status", string(status)),
		zap.Int("window", len(win.Messages)),
	)

	return &record, nil
}

// decode parses and validates the drafting service output.
func (c *Cache) decode(raw json.RawMessage) (model.GeneratedFields, error) {
	var fields model.GeneratedFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fields, fmt.Errorf("decoding draft output: %w", err)
	}
	if err := c.validate.Struct(fields); err != nil {
		return fields, fmt.Errorf("validating draft output: %w", err)
	}

	if !fields.ReplySuggested {
		fields.ReplyText = nil
		return fields, nil
	}
	if fields.ReplyText == nil || strings.TrimSpace(*fields.ReplyText) == "" {
		return fields, errors.New("validating draft output: reply suggested without reply_text")
	}
	return fields, nil
}
