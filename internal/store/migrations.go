package store

// migration holds a single schema migration with its target version and
// the statements that apply it. Statements must be valid for both SQLite
// and PostgreSQL.
type migration struct {
	version    int
	statements []string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
// Timestamps are stored as Unix nanoseconds; maps and lists as JSON text.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
	message_id       TEXT PRIMARY KEY,
	service_name     TEXT NOT NULL,
	conversation_id  TEXT NOT NULL,
	source_keys      TEXT NOT NULL DEFAULT '{}',
	content          TEXT NOT NULL DEFAULT '',
	sender_id        TEXT NOT NULL DEFAULT '',
	sender_name      TEXT NOT NULL DEFAULT '',
	outgoing         INTEGER NOT NULL DEFAULT 0,
	sent_at          BIGINT NOT NULL,
	attachment_paths TEXT NOT NULL DEFAULT '[]',
	ingested_at      BIGINT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, sent_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at)`,
			`CREATE TABLE IF NOT EXISTS sync_cursors (
	service_name    TEXT NOT NULL,
	mailbox         TEXT NOT NULL,
	cursor_position BIGINT NOT NULL,
	token           TEXT NOT NULL DEFAULT '',
	updated_at      BIGINT NOT NULL,
	PRIMARY KEY (service_name, mailbox)
)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS drafts (
	draft_id        TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	window_snapshot TEXT NOT NULL,
	generated       TEXT NOT NULL,
	status          TEXT NOT NULL,
	approved_text   TEXT,
	last_error      TEXT NOT NULL DEFAULT '',
	last_message_at BIGINT NOT NULL,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL,
	sent_at         BIGINT
)`,
			`CREATE INDEX IF NOT EXISTS idx_drafts_status ON drafts(status)`,
			`CREATE INDEX IF NOT EXISTS idx_drafts_conversation
	ON drafts(conversation_id, last_message_at)`,
		},
	},
}
