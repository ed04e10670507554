// Package notify publishes pipeline events for external consumers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects events are published on.
const (
	SubjectMessagesIngested = "messaging.messages.ingested"
	SubjectDraftCreated     = "messaging.drafts.created"
	SubjectDraftSent        = "messaging.drafts.sent"
)

// Event is the JSON payload of every published event. Fields that do not
// apply to an event type are omitted.
type Event struct {
	ID             string    `json:"id"`
	At             time.Time `json:"at"`
	ServiceName    string    `json:"service_name,omitempty"`
	Mailbox        string    `json:"mailbox,omitempty"`
	Count          int       `json:"count,omitempty"`
	DraftID        string    `json:"draft_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// Notifier publishes events. Publishing is best effort: failures are
// logged and never returned.
type Notifier interface {
	Publish(ctx context.Context, subject string, ev Event)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) {}
func (Nop) Close()                                  {}

// NATS publishes events to a NATS server.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATS connects to the NATS server(s) at url.
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("messaging-manager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, logger: logger}, nil
}

// Publish stamps ev with an ID and time and sends it on subject.
func (n *NATS) Publish(_ context.Context, subject string, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("encoding event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close flushes pending events and closes the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("draining nats connection", zap.Error(err))
	}
}
