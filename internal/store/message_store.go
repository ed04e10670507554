package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/messaging-manager/internal/model"
)

// existenceBatch bounds the number of IDs bound into one IN clause.
const existenceBatch = 500

// messageRow is the storage shape of a CanonicalMessage.
type messageRow struct {
	MessageID       string `db:"message_id"`
	ServiceName     string `db:"service_name"`
	ConversationID  string `db:"conversation_id"`
	SourceKeys      string `db:"source_keys"`
	Content         string `db:"content"`
	SenderID        string `db:"sender_id"`
	SenderName      string `db:"sender_name"`
	Outgoing        int    `db:"outgoing"`
	SentAt          int64  `db:"sent_at"`
	AttachmentPaths string `db:"attachment_paths"`
	IngestedAt      int64  `db:"ingested_at"`
}

const messageColumns = `message_id, service_name, conversation_id, source_keys,
	content, sender_id, sender_name, outgoing, sent_at, attachment_paths, ingested_at`

func (r messageRow) toModel() (model.CanonicalMessage, error) {
	m := model.CanonicalMessage{
		MessageID:      r.MessageID,
		ServiceName:    r.ServiceName,
		ConversationID: r.ConversationID,
		Content:        r.Content,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		Outgoing:       r.Outgoing != 0,
		Timestamp:      fromNanos(r.SentAt),
	}
	if err := json.Unmarshal([]byte(r.SourceKeys), &m.SourceKeys); err != nil {
		return m, fmt.Errorf("decoding source_keys of %s: %w", r.MessageID, err)
	}
	if err := json.Unmarshal([]byte(r.AttachmentPaths), &m.AttachmentPaths); err != nil {
		return m, fmt.Errorf("decoding attachment_paths of %s: %w", r.MessageID, err)
	}
	if len(m.AttachmentPaths) == 0 {
		m.AttachmentPaths = nil
	}
	return m, nil
}

// MergeMessages stores the messages that are not yet known and returns
// them. Duplicates within msgs collapse to their first occurrence.
// Existing rows are never modified.
func (s *SQLStore) MergeMessages(
	ctx context.Context,
	msgs []model.CanonicalMessage,
) ([]model.CanonicalMessage, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(msgs))
	unique := make([]model.CanonicalMessage, 0, len(msgs))
	for _, m := range msgs {
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		unique = append(unique, m)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := existingMessageIDs(ctx, tx, unique)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`))
	if err != nil {
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	ingestedAt := toNanos(s.now())
	var inserted []model.CanonicalMessage

	for _, m := range unique {
		if existing[m.MessageID] {
			continue
		}

		keys, err := json.Marshal(nonNilKeys(m.SourceKeys))
		if err != nil {
			return nil, fmt.Errorf("marshaling source_keys for %s: %w", m.MessageID, err)
		}
		paths, err := json.Marshal(nonNilPaths(m.AttachmentPaths))
		if err != nil {
			return nil, fmt.Errorf("marshaling attachment_paths for %s: %w", m.MessageID, err)
		}

		res, err := stmt.ExecContext(ctx,
			m.MessageID, m.ServiceName, m.ConversationID, string(keys),
			m.Content, m.SenderID, m.SenderName, boolToInt(m.Outgoing),
			toNanos(m.Timestamp), string(paths), ingestedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting message %s: %w", m.MessageID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted = append(inserted, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing merge: %w", err)
	}

	return inserted, nil
}

// existingMessageIDs returns the subset of msgs already stored.
func existingMessageIDs(
	ctx context.Context,
	tx *sqlx.Tx,
	msgs []model.CanonicalMessage,
) (map[string]bool, error) {
	existing := make(map[string]bool)

	for start := 0; start < len(msgs); start += existenceBatch {
		end := min(start+existenceBatch, len(msgs))

		ids := make([]string, 0, end-start)
		for _, m := range msgs[start:end] {
			ids = append(ids, m.MessageID)
		}

		query, args, err := sqlx.In("SELECT message_id FROM messages WHERE message_id IN (?)", ids)
		if err != nil {
			return nil, fmt.Errorf("building existence query: %w", err)
		}

		var found []string
		if err := tx.SelectContext(ctx, &found, tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("checking existing messages: %w", err)
		}
		for _, id := range found {
			existing[id] = true
		}
	}

	return existing, nil
}

// GetMessage retrieves a single message by its ID.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*model.CanonicalMessage, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+messageColumns+" FROM messages WHERE message_id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	m, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecentMessages returns the limit most recent messages of a conversation
// ordered oldest first. Ties on timestamp are broken by message ID. A
// non-positive limit returns the whole conversation.
func (s *SQLStore) RecentMessages(
	ctx context.Context,
	conversationID string,
	limit int,
) ([]model.CanonicalMessage, error) {
	var (
		rows []messageRow
		err  error
	)

	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE conversation_id = ?
				ORDER BY sent_at DESC, message_id DESC
				LIMIT ?
			) recent
			ORDER BY sent_at ASC, message_id ASC`), conversationID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at ASC, message_id ASC`), conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation %s: %w", conversationID, err)
	}

	msgs := make([]model.CanonicalMessage, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ActiveConversations lists conversations with at least one message at or
// after since, most recently active first.
func (s *SQLStore) ActiveConversations(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT conversation_id FROM messages
		WHERE sent_at >= ?
		GROUP BY conversation_id
		ORDER BY MAX(sent_at) DESC, conversation_id ASC`), toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("querying active conversations: %w", err)
	}
	return ids, nil
}

func nonNilKeys(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilPaths(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
