package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/messaging-manager/internal/model"
)

type cursorRow struct {
	ServiceName string `db:"service_name"`
	Mailbox     string `db:"mailbox"`
	Position    int64  `db:"cursor_position"`
	Token       string `db:"token"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r cursorRow) toModel() model.SyncCursor {
	return model.SyncCursor{
		ServiceName: r.ServiceName,
		Mailbox:     r.Mailbox,
		Cursor:      model.Cursor{Position: r.Position, Token: r.Token},
		UpdatedAt:   fromNanos(r.UpdatedAt),
	}
}

// GetCursor returns the stored cursor for (serviceName, mailbox), or nil
// when none has been stored yet.
func (s *SQLStore) GetCursor(
	ctx context.Context,
	serviceName, mailbox string,
) (*model.SyncCursor, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT service_name, mailbox, cursor_position, token, updated_at
		FROM sync_cursors WHERE service_name = ? AND mailbox = ?`),
		serviceName, mailbox,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor %s/%s: %w", serviceName, mailbox, err)
	}

	c := row.toModel()
	return &c, nil
}

// AdvanceCursor stores c. Moving to a lower position than the stored one
// fails with ErrCursorRegression; an equal position only refreshes the
// token and timestamp.
func (s *SQLStore) AdvanceCursor(ctx context.Context, c model.SyncCursor) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sync_cursors (service_name, mailbox, cursor_position, token, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (service_name, mailbox) DO UPDATE SET
			cursor_position = excluded.cursor_position,
			token = excluded.token,
			updated_at = excluded.updated_at
		WHERE sync_cursors.cursor_position <= excluded.cursor_position`),
		c.ServiceName, c.Mailbox, c.Position, c.Token, toNanos(s.now()),
	)
	if err != nil {
		return fmt.Errorf("advancing cursor %s/%s: %w", c.ServiceName, c.Mailbox, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advancing cursor %s/%s: %w", c.ServiceName, c.Mailbox, err)
	}
	if n == 0 {
		return fmt.Errorf("advancing cursor %s/%s to %d: %w",
			c.ServiceName, c.Mailbox, c.Position, ErrCursorRegression)
	}

	return nil
}

// ListCursors returns every stored cursor ordered by service and mailbox.
func (s *SQLStore) ListCursors(ctx context.Context) ([]model.SyncCursor, error) {
	var rows []cursorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT service_name, mailbox, cursor_position, token, updated_at
		FROM sync_cursors ORDER BY service_name, mailbox`)
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", err)
	}

	cursors := make([]model.SyncCursor, 0, len(rows))
	for _, r := range rows {
		cursors = append(cursors, r.toModel())
	}
	return cursors, nil
}
