// Package normalize converts raw adapter output into canonical messages
// with deterministic identities.
package normalize

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/source"
)

// KeyGroupedID is the source key added to messages merged from an album.
const KeyGroupedID = "grouped_id"

// Normalizer converts raw items into canonical messages. It performs no
// I/O other than logging and never fails: malformed payloads are repaired
// and reported as warnings.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Normalizer that logs to logger.
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger, now: time.Now}
}

// WithClock returns a copy of n that uses now as the fallback timestamp
// source.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	c := *n
	c.now = now
	return &c
}

// Normalize converts a single raw item. A chat item that belongs to an
// album is normalized as an album of one.
func (n *Normalizer) Normalize(raw source.RawItem, serviceName string) model.CanonicalMessage {
	msg := model.CanonicalMessage{
		MessageID:       MessageID(serviceName, n.naturalKey(raw, serviceName)),
		ServiceName:     serviceName,
		ConversationID:  conversationID(raw, serviceName),
		SourceKeys:      copyKeys(raw.Keys),
		Content:         n.content(raw, serviceName),
		SenderID:        raw.SenderID,
		SenderName:      raw.SenderName,
		Outgoing:        raw.Outgoing,
		Timestamp:       n.timestamp(raw, serviceName),
		AttachmentPaths: append([]string(nil), raw.Attachments...),
	}
	if isAlbumPart(raw) {
		msg.SourceKeys[KeyGroupedID] = raw.GroupID
	}
	return msg
}

// NormalizeBatch converts raw items in order, merging album parts that
// share a group ID into one message placed where the album first appears.
func (n *Normalizer) NormalizeBatch(raws []source.RawItem, serviceName string) []model.CanonicalMessage {
	type album struct {
		index int
		parts []source.RawItem
	}

	out := make([]model.CanonicalMessage, 0, len(raws))
	albums := make(map[string]*album)
	var order []string

	for _, raw := range raws {
		if !isAlbumPart(raw) {
			out = append(out, n.Normalize(raw, serviceName))
			continue
		}
		key := raw.PeerID + "\x00" + raw.GroupID
		a, ok := albums[key]
		if !ok {
			a = &album{index: len(out)}
			albums[key] = a
			order = append(order, key)
			// Placeholder, replaced once every part has been collected.
			out = append(out, model.CanonicalMessage{})
		}
		a.parts = append(a.parts, raw)
	}

	for _, key := range order {
		a := albums[key]
		out[a.index] = n.mergeAlbum(a.parts, serviceName)
	}

	return out
}

// mergeAlbum folds the parts of one album into a single message: captions
// joined by newlines in timestamp order, attachments concatenated, identity
// and reply keys taken from the earliest part. Parts of the same album that
// arrive in a later batch merge under their own earliest part and so are
// stored as a separate message.
func (n *Normalizer) mergeAlbum(parts []source.RawItem, serviceName string) model.CanonicalMessage {
	parts = append([]source.RawItem(nil), parts...)
	sort.SliceStable(parts, func(i, j int) bool {
		if !parts[i].Timestamp.Equal(parts[j].Timestamp) {
			return parts[i].Timestamp.Before(parts[j].Timestamp)
		}
		return parts[i].ID < parts[j].ID
	})

	msgs := make([]model.CanonicalMessage, len(parts))
	for i, p := range parts {
		msgs[i] = n.Normalize(p, serviceName)
	}

	merged := msgs[0]
	merged.AttachmentPaths = nil

	var captions []string
	for _, m := range msgs {
		if m.Content != "" {
			captions = append(captions, m.Content)
		}
		merged.AttachmentPaths = append(merged.AttachmentPaths, m.AttachmentPaths...)
	}
	merged.Content = strings.Join(captions, "\n")

	return merged
}

func (n *Normalizer) naturalKey(raw source.RawItem, serviceName string) string {
	switch {
	case isAlbumPart(raw):
		return "group:" + raw.PeerID + ":" + raw.GroupID + ":" + raw.ID
	case raw.Kind == source.KindChat:
		return raw.PeerID + ":" + raw.ID
	case raw.ID != "":
		return strings.Trim(strings.TrimSpace(raw.ID), "<>")
	default:
		n.logger.Warn("email without Message-ID, using mailbox sequence",
			zap.String("service", serviceName),
			zap.String("mailbox", raw.Mailbox),
			zap.String("sequence", raw.Sequence),
		)
		return "seq:" + raw.Mailbox + ":" + raw.Sequence
	}
}

func conversationID(raw source.RawItem, serviceName string) string {
	if raw.Kind == source.KindChat {
		return ConversationID(serviceName, "peer:"+raw.PeerID)
	}

	other := raw.SenderID
	if raw.Outgoing {
		other = raw.Recipient
	}
	return ConversationID(serviceName,
		"subject:"+NormalizeSubject(raw.Subject),
		"party:"+strings.ToLower(strings.TrimSpace(other)),
	)
}

func (n *Normalizer) content(raw source.RawItem, serviceName string) string {
	text := n.decode(raw, serviceName)
	if raw.Kind == source.KindEmail {
		text = StripQuotedReply(text)
	} else {
		text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	}

	if raw.Description == "" {
		return text
	}
	if text == "" {
		return raw.Description
	}
	return raw.Description + "\ncomment: " + text
}

// decode converts the body to UTF-8. Unknown or broken encodings are
// repaired lossily.
func (n *Normalizer) decode(raw source.RawItem, serviceName string) string {
	cs := strings.ToLower(strings.TrimSpace(raw.Charset))
	if cs != "" && cs != "utf-8" && cs != "utf8" && cs != "us-ascii" {
		r, err := charset.Reader(cs, bytes.NewReader(raw.Body))
		if err == nil {
			var decoded []byte
			decoded, err = io.ReadAll(r)
			if err == nil {
				return strings.ToValidUTF8(string(decoded), "�")
			}
		}
		n.logger.Warn("undecodable charset, repairing as UTF-8",
			zap.String("service", serviceName),
			zap.String("item", raw.ID),
			zap.String("charset", raw.Charset),
			zap.Error(err),
		)
	} else if !utf8.Valid(raw.Body) {
		n.logger.Warn("invalid UTF-8 body, repairing",
			zap.String("service", serviceName),
			zap.String("item", raw.ID),
		)
	}
	return strings.ToValidUTF8(string(raw.Body), "�")
}

func (n *Normalizer) timestamp(raw source.RawItem, serviceName string) time.Time {
	if !raw.Timestamp.IsZero() {
		return raw.Timestamp.UTC()
	}
	n.logger.Warn("item without date, using current time",
		zap.String("service", serviceName),
		zap.String("item", raw.ID),
	)
	return n.now().UTC()
}

func isAlbumPart(raw source.RawItem) bool {
	return raw.Kind == source.KindChat && raw.GroupID != ""
}

func copyKeys(keys map[string]string) map[string]string {
	out := make(map[string]string, len(keys)+1)
	for k, v := range keys {
		out[k] = v
	}
	return out
}
