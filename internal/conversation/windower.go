// Package conversation builds bounded conversation windows from stored
// messages.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
)

// Windower computes conversation windows on demand. Windows are never
// cached or stored.
type Windower struct {
	store store.MessageStore
	size  int
}

// NewWindower creates a Windower returning at most size messages per
// conversation.
func NewWindower(s store.MessageStore, size int) *Windower {
	return &Windower{store: s, size: size}
}

// Size returns the default window size.
func (w *Windower) Size() int {
	return w.size
}

// Window returns the limit most recent messages of conversationID, oldest
// first. A non-positive limit uses the default size.
func (w *Windower) Window(
	ctx context.Context,
	conversationID string,
	limit int,
) (model.ConversationWindow, error) {
	if limit <= 0 {
		limit = w.size
	}

	msgs, err := w.store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return model.ConversationWindow{}, fmt.Errorf("windowing %s: %w", conversationID, err)
	}

	return model.ConversationWindow{
		ConversationID: conversationID,
		Messages:       msgs,
	}, nil
}

// Active returns the windows of every conversation with activity at or
// after since, most recently active first.
func (w *Windower) Active(ctx context.Context, since time.Time) ([]model.ConversationWindow, error) {
	convIDs, err := w.store.ActiveConversations(ctx, since)
	if err != nil {
		return nil, err
	}

	windows := make([]model.ConversationWindow, 0, len(convIDs))
	for _, id := range convIDs {
		if err := ctx.Err(); err != nil {
			return windows, err
		}
		win, err := w.Window(ctx, id, w.size)
		if err != nil {
			return windows, err
		}
		windows = append(windows, win)
	}
	return windows, nil
}
