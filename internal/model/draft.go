package model

import "time"

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	DraftPending  DraftStatus = "pending"
	DraftIgnored  DraftStatus = "ignored"
	DraftApproved DraftStatus = "approved"
	DraftSent     DraftStatus = "sent"
)

// GeneratedFields holds the structured output of the drafting service.
type GeneratedFields struct {
	// Thoughts is the model's free-form analysis of the conversation.
	Thoughts string `json:"thoughts"`

	// Summary is a short summary of the conversation.
	Summary string `json:"summary" validate:"required"`

	// Reasoning explains why a reply is or is not needed.
	Reasoning string `json:"reasoning" validate:"required"`

	// ReplySuggested reports whether the account owner should reply next.
	ReplySuggested bool `json:"reply_suggested"`

	// ReplyText is the suggested reply. Nil when no reply is suggested.
	ReplyText *string `json:"reply_text,omitempty"`
}

// DraftRecord is a generated reply proposal for one conversation window.
type DraftRecord struct {
	// DraftID is the content address of the window: a hash of its
	// ordered message IDs.
	DraftID string `json:"draft_id"`

	// ConversationID is the conversation the window was taken from.
	ConversationID string `json:"conversation_id"`

	// Window is the snapshot of messages the draft was generated from.
	Window []CanonicalMessage `json:"window"`

	// Generated holds the drafting service output.
	Generated GeneratedFields `json:"generated"`

	// Status is the current lifecycle state.
	Status DraftStatus `json:"status"`

	// ApprovedText is the reply text supplied on approval.
	ApprovedText *string `json:"approved_text,omitempty"`

	// LastError records the most recent send failure, if any.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// LastMessage returns the most recent message of the draft's window.
func (d *DraftRecord) LastMessage() (CanonicalMessage, bool) {
	return ConversationWindow{Messages: d.Window}.Last()
}
