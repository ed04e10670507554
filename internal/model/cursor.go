package model

import "time"

// Cursor is an adapter-specific high-water mark. Position is comparable
// across advances; Token is opaque and returned to the adapter verbatim.
type Cursor struct {
	Position int64  `json:"position"`
	Token    string `json:"token,omitempty"`
}

// SyncCursor is the persisted cursor for one (service, mailbox) pair.
type SyncCursor struct {
	ServiceName string `json:"service_name"`
	Mailbox     string `json:"mailbox"`
	Cursor
	UpdatedAt time.Time `json:"updated_at"`
}
