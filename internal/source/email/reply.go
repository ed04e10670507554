package email

import (
	"errors"
	"net/smtp"
	"strings"

	"gopkg.in/gomail.v2"
)

// Reply keys stored with every email item.
const (
	KeyMailbox     = "mailbox"
	KeyUIDValidity = "uidvalidity"
	KeyUID         = "uid"
	KeyMessageID   = "message_id"
	KeyReplyTo     = "reply_to"
	KeySubject     = "subject"
	KeyReferences  = "references"
)

// composeReply builds the reply to the message described by keys.
func composeReply(from string, keys map[string]string, text string) (*gomail.Message, error) {
	to := keys[KeyReplyTo]
	if to == "" {
		return nil, errors.New("no reply address")
	}

	subject := strings.TrimSpace(keys[KeySubject])
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = strings.TrimSpace("Re: " + subject)
	}

	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	if id := strings.Trim(keys[KeyMessageID], "<> "); id != "" {
		refs := strings.Fields(keys[KeyReferences])
		refs = append(refs, "<"+id+">")
		m.SetHeader("In-Reply-To", "<"+id+">")
		m.SetHeader("References", strings.Join(refs, " "))
	}

	m.SetBody("text/plain", text)
	return m, nil
}

// formatReferences renders message IDs as a References header value.
func formatReferences(ids []string) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.Trim(id, "<> "); id != "" {
			out = append(out, "<"+id+">")
		}
	}
	return strings.Join(out, " ")
}

// xoauth2Auth implements the SMTP XOAUTH2 mechanism.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// The server sent an error challenge; an empty response ends it.
		return []byte{}, nil
	}
	return nil, nil
}
