package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/messaging-manager/internal/model"
)

type draftRow struct {
	DraftID        string         `db:"draft_id"`
	ConversationID string         `db:"conversation_id"`
	WindowSnapshot string         `db:"window_snapshot"`
	Generated      string         `db:"generated"`
	Status         string         `db:"status"`
	ApprovedText   sql.NullString `db:"approved_text"`
	LastError      string         `db:"last_error"`
	LastMessageAt  int64          `db:"last_message_at"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	SentAt         sql.NullInt64  `db:"sent_at"`
}

const draftColumns = `draft_id, conversation_id, window_snapshot, generated, status,
	approved_text, last_error, last_message_at, created_at, updated_at, sent_at`

func (r draftRow) toModel() (model.DraftRecord, error) {
	d := model.DraftRecord{
		DraftID:        r.DraftID,
		ConversationID: r.ConversationID,
		Status:         model.DraftStatus(r.Status),
		LastError:      r.LastError,
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.WindowSnapshot), &d.Window); err != nil {
		return d, fmt.Errorf("decoding window of draft %s: %w", r.DraftID, err)
	}
	if err := json.Unmarshal([]byte(r.Generated), &d.Generated); err != nil {
		return d, fmt.Errorf("decoding generated fields of draft %s: %w", r.DraftID, err)
	}
	if r.ApprovedText.Valid {
		text := r.ApprovedText.String
		d.ApprovedText = &text
	}
	if r.SentAt.Valid {
		at := fromNanos(r.SentAt.Int64)
		d.SentAt = &at
	}
	return d, nil
}

// GetDraft retrieves a single draft by its ID.
func (s *SQLStore) GetDraft(ctx context.Context, id string) (*model.DraftRecord, error) {
	return getDraft(ctx, s.db, id)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func getDraft(ctx context.Context, q queryer, id string) (*model.DraftRecord, error) {
	var row draftRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(
		"SELECT "+draftColumns+" FROM drafts WHERE draft_id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting draft %s: %w", id, err)
	}

	d, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertDraft stores d unless a draft with the same ID already exists.
// It reports whether a new row was written.
func (s *SQLStore) InsertDraft(ctx context.Context, d model.DraftRecord) (bool, error) {
	window, err := json.Marshal(d.Window)
	if err != nil {
		return false, fmt.Errorf("marshaling window of draft %s: %w", d.DraftID, err)
	}
	generated, err := json.Marshal(d.Generated)
	if err != nil {
		return false, fmt.Errorf("marshaling generated fields of draft %s: %w", d.DraftID, err)
	}

	var lastMessageAt int64
	if last, ok := d.LastMessage(); ok {
		lastMessageAt = toNanos(last.Timestamp)
	}

	now := s.now()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var approved sql.NullString
	if d.ApprovedText != nil {
		approved = sql.NullString{String: *d.ApprovedText, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO drafts (`+draftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (draft_id) DO NOTHING`),
		d.DraftID, d.ConversationID, string(window), string(generated), string(d.Status),
		approved, d.LastError, lastMessageAt, toNanos(createdAt), toNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("inserting draft %s: %w", d.DraftID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting draft %s: %w", d.DraftID, err)
	}
	return n == 1, nil
}

// ListDrafts retrieves drafts matching filter, newest first.
func (s *SQLStore) ListDrafts(ctx context.Context, filter DraftFilter) ([]model.DraftRecord, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, "d.status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ConversationID != "" {
		conditions = append(conditions, "d.conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.LatestOnly {
		conditions = append(conditions, `NOT EXISTS (
			SELECT 1 FROM drafts n
			WHERE n.conversation_id = d.conversation_id
			AND (n.last_message_at > d.last_message_at
				OR (n.last_message_at = d.last_message_at AND n.created_at > d.created_at)))`)
	}

	query := "SELECT " + draftColumns + " FROM drafts d"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY d.last_message_at DESC, d.draft_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []draftRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying drafts: %w", err)
	}

	drafts := make([]model.DraftRecord, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// TransitionDraft applies t to draft id as a compare-and-set on status.
// It returns ErrNotFound for an unknown draft and ErrStatusConflict when
// the draft is not in one of t.From.
func (s *SQLStore) TransitionDraft(ctx context.Context, id string, t DraftTransition) error {
	if len(t.From) == 0 {
		return fmt.Errorf("transition of draft %s has no source status", id)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(t.To), toNanos(s.now())}

	if t.ApprovedText != nil {
		sets = append(sets, "approved_text = ?")
		args = append(args, *t.ApprovedText)
	}
	if t.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *t.LastError)
	}
	if t.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, toNanos(*t.SentAt))
	}

	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	args = append(args, id, from)

	query, args, err := sqlx.In(
		"UPDATE drafts SET "+strings.Join(sets, ", ")+" WHERE draft_id = ? AND status IN (?)",
		args...,
	)
	if err != nil {
		return fmt.Errorf("building transition query: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transitioning draft %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transitioning draft %s: %w", id, err)
	}
	if n == 0 {
		current, err := getDraft(ctx, tx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("draft %s is %s, not %v: %w", id, current.Status, from, ErrStatusConflict)
	}

	return tx.Commit()
}
