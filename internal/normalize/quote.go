package normalize

import (
	"regexp"
	"strings"
)

// attributionMarkers match the line a mail client inserts above a quoted
// reply, in the locales we have seen in practice.
var attributionMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*on\s.*\swrote:\s*$`),
	regexp.MustCompile(`(?i)^\s*le\s.*\sa\s+écrit\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*am\s.*\sschrieb.*:\s*$`),
	regexp.MustCompile(`(?i)^\s*el\s.*\sescribió\s*:\s*$`),
}

// StripQuotedReply removes a trailing quoted-reply block from an email
// body. The block starts at an attribution marker ("On ... wrote:") and
// must contain nothing but quoted (">") or blank lines. Markers wrapped
// over two lines are recognized. Bodies with inline replies are returned
// unchanged.
func StripQuotedReply(body string) string {
	text := strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	for i := range lines {
		n := markerLines(lines, i)
		if n == 0 {
			continue
		}
		if onlyQuoted(lines[i+n:]) {
			return strings.TrimRight(strings.Join(lines[:i], "\n"), " \t\n")
		}
	}

	return strings.TrimRight(text, " \t\n")
}

// markerLines reports how many lines starting at i form an attribution
// marker: 0, 1, or 2 for a marker wrapped over two lines.
func markerLines(lines []string, i int) int {
	if isMarker(lines[i]) {
		return 1
	}
	if i+1 < len(lines) && !isQuoted(lines[i]) && isMarker(lines[i]+" "+lines[i+1]) {
		return 2
	}
	return 0
}

func isMarker(line string) bool {
	for _, re := range attributionMarkers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func isQuoted(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), ">")
}

// onlyQuoted reports whether lines hold at least one quoted line and
// nothing else but blank lines.
func onlyQuoted(lines []string) bool {
	quoted := false
	for _, l := range lines {
		switch {
		case strings.TrimSpace(l) == "":
		case isQuoted(l):
			quoted = true
		default:
			return false
		}
	}
	return quoted
}
