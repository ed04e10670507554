package email

import "time"

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	MessageID  string
	Subject    string
	From       string
	FromName   string
	To         []string
	Date       time.Time
	References []string
	Flags      []string // \Seen, \Flagged, \Answered, \Deleted
	UID        uint32
}

// ParsedMessage holds the full parsed content of an email message.
type ParsedMessage struct {
	Envelope Envelope

	// TextBody is the plain-text body in the encoding named by Charset.
	TextBody []byte
	Charset  string

	// Attachments lists the files written to the media directory.
	Attachments []string
}
