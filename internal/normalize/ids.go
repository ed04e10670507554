package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// hash returns the hex SHA-256 of parts joined by NUL bytes, so that
// ("ab", "c") and ("a", "bc") never collide.
func hash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID derives the stable identity of an upstream item.
func MessageID(serviceName, naturalKey string) string {
	return hash(serviceName, naturalKey)
}

// ConversationID derives a conversation identity from the service name and
// the counterpart key fields. Field order does not matter.
func ConversationID(serviceName string, fields ...string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return hash(append([]string{serviceName}, sorted...)...)
}

var (
	replyPrefix = regexp.MustCompile(`(?i)^\s*re\s*:\s*`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// NormalizeSubject case-folds a subject line, collapses whitespace, and
// removes any run of leading "Re:" prefixes.
func NormalizeSubject(subject string) string {
	s := subject
	for replyPrefix.MatchString(s) {
		s = replyPrefix.ReplaceAllString(s, "")
	}
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(s)
}
