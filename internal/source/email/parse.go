package email

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// maxAttachmentSize caps the bytes written for a single attachment.
const maxAttachmentSize = 25 << 20

// parseMessage parses a raw RFC 5322 message. The text/plain body is
// preferred; an HTML-only message is reduced to text. Attachments and
// inline images are written below mediaDir in a directory named after
// the message. Envelope fields missing from env are filled from the
// message header.
func parseMessage(raw []byte, env Envelope, mediaDir string) ParsedMessage {
	parsed := ParsedMessage{Envelope: env}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		// Not MIME: treat the whole thing as plain text.
		parsed.TextBody = raw
		return parsed
	}
	defer mr.Close()

	fillEnvelope(&parsed.Envelope, mr.Header)

	var (
		htmlBody []byte
		dir      = attachmentDir(mediaDir, parsed.Envelope)
		index    int
	)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}
		// With an unknown charset the body is left undecoded and the
		// charset is passed on for lossy repair.
		rawCharset := err != nil

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case contentType == "text/plain" && parsed.TextBody == nil:
				parsed.TextBody = body
				if rawCharset {
					parsed.Charset = params["charset"]
				}
			case contentType == "text/html" && htmlBody == nil:
				htmlBody = body
			case strings.HasPrefix(contentType, "image/"):
				index++
				name := inlineName(h.Header, contentType, index)
				if path, err := saveAttachment(dir, name, body); err == nil {
					parsed.Attachments = append(parsed.Attachments, path)
				}
			}

		case *mail.AttachmentHeader:
			index++
			name, _ := h.Filename()
			if name == "" {
				contentType, _, _ := h.ContentType()
				name = inlineName(h.Header, contentType, index)
			}
			body, readErr := io.ReadAll(io.LimitReader(part.Body, maxAttachmentSize))
			if readErr != nil {
				continue
			}
			if path, err := saveAttachment(dir, name, body); err == nil {
				parsed.Attachments = append(parsed.Attachments, path)
			}
		}
	}

	if parsed.TextBody == nil && htmlBody != nil {
		parsed.TextBody = []byte(stripHTML(string(htmlBody)))
	}
	return parsed
}

func fillEnvelope(env *Envelope, h mail.Header) {
	if env.MessageID == "" {
		env.MessageID, _ = h.MessageID()
	}
	if env.Subject == "" {
		env.Subject, _ = h.Subject()
	}
	if env.Date.IsZero() {
		env.Date, _ = h.Date()
	}
	if env.From == "" {
		if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
			env.From = from[0].Address
			env.FromName = from[0].Name
		}
	}
	if len(env.To) == 0 {
		if to, err := h.AddressList("To"); err == nil {
			for _, a := range to {
				env.To = append(env.To, a.Address)
			}
		}
	}
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		env.References = refs
	} else if len(env.References) == 0 {
		env.References, _ = h.MsgIDList("In-Reply-To")
	}
}

// attachmentDir returns the per-message media directory.
func attachmentDir(mediaDir string, env Envelope) string {
	key := env.MessageID
	if key == "" {
		key = fmt.Sprintf("uid:%d:%s", env.UID, env.Date)
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(mediaDir, hex.EncodeToString(sum[:8]))
}

func inlineName(h message.Header, contentType string, index int) string {
	_, params, _ := h.ContentDisposition()
	if name := params["filename"]; name != "" {
		return name
	}
	_, params, _ = h.ContentType()
	if name := params["name"]; name != "" {
		return name
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	return fmt.Sprintf("part-%d%s", index, ext)
}

var unsafeNameChars = regexp.MustCompile(`[^\pL\pN._ -]`)

// saveAttachment writes data to dir under a sanitized form of name.
func saveAttachment(dir, name string, data []byte) (string, error) {
	name = unsafeNameChars.ReplaceAllString(filepath.Base(name), "_")
	if name == "" || name == "." || name == ".." {
		name = "attachment"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
