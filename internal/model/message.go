package model

import "time"

// CanonicalMessage is the unified representation of a single message from
// any messaging source.
type CanonicalMessage struct {
	// MessageID is derived from the service name and the upstream natural
	// key. Re-ingesting the same upstream item always yields the same ID.
	MessageID string `json:"message_id"`

	// ServiceName identifies the adapter that produced this message.
	ServiceName string `json:"service_name"`

	// ConversationID groups messages exchanged with the same counterpart
	// or within the same thread.
	ConversationID string `json:"conversation_id"`

	// SourceKeys holds adapter-specific fields needed to reply
	// (e.g., peer ID, upstream message ID, mailbox, subject).
	// It is opaque outside the adapter that produced it.
	SourceKeys map[string]string `json:"source_keys"`

	// Content is the normalized text body.
	Content string `json:"content"`

	// SenderID is the sender's identifier within the source system.
	SenderID string `json:"sender_id"`

	// SenderName is the sender's display name.
	SenderName string `json:"sender_name"`

	// Outgoing is true when the account owner wrote the message.
	Outgoing bool `json:"outgoing"`

	// Timestamp is when the message was sent upstream.
	Timestamp time.Time `json:"timestamp"`

	// AttachmentPaths lists local files materialized by the adapter,
	// in upstream order.
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}

// ConversationWindow is the bounded, ordered slice of the most recent
// messages in one conversation. It is recomputed on demand and never stored.
type ConversationWindow struct {
	ConversationID string             `json:"conversation_id"`
	Messages       []CanonicalMessage `json:"messages"`
}

// MessageIDs returns the message IDs of the window in order.
func (w ConversationWindow) MessageIDs() []string {
	ids := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		ids[i] = m.MessageID
	}
	return ids
}

// Last returns the most recent message of the window.
func (w ConversationWindow) Last() (CanonicalMessage, bool) {
	if len(w.Messages) == 0 {
		return CanonicalMessage{}, false
	}
	return w.Messages[len(w.Messages)-1], true
}
