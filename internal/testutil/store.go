package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Message builds a canonical message in conversation convID with a
// deterministic ID derived from n, sent n minutes after base.
func Message(convID string, n int, base time.Time) model.CanonicalMessage {
	return model.CanonicalMessage{
		MessageID:      fmt.Sprintf("%s-%04d", convID, n),
		ServiceName:    "fake",
		ConversationID: convID,
		SourceKeys:     map[string]string{"peer_id": convID, "message_id": fmt.Sprint(n)},
		Content:        fmt.Sprintf("message %d", n),
		SenderID:       "peer",
		SenderName:     "Peer",
		Timestamp:      base.Add(time.Duration(n) * time.Minute).UTC(),
	}
}
