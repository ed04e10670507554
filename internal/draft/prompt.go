package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/drafting"
	"github.com/nhle/messaging-manager/internal/model"
)

// Speaker roles used in the rendered conversation.
const (
	RoleOwner       = "User A"
	RoleCounterpart = "User B"
)

// maxInlineText caps the bytes of a text attachment inlined into a prompt.
const maxInlineText = 8 << 10

const schemaName = "record_draft"

const systemPrompt = `You are helping User A keep up with their messages.
You will be shown the most recent part of a conversation between User A and User B,
oldest message first. Decide whether User A needs to reply next.
A reply is needed when User B asked a question, made a request, or is otherwise
waiting on User A. A reply is not needed when User A spoke last, or when the
conversation has naturally ended.
If a reply is needed, write it in User A's voice, matching the tone and language
of the conversation. Keep it short. Never invent facts about User A.`

var draftSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"thoughts": {
			"type": "string",
			"description": "Your analysis of the conversation"
		},
		"summary": {
			"type": "string",
			"description": "A one or two sentence summary of the conversation"
		},
		"reasoning": {
			"type": "string",
			"description": "Why User A should or should not reply next"
		},
		"reply_suggested": {
			"type": "boolean",
			"description": "Whether User A should reply next"
		},
		"reply_text": {
			"type": "string",
			"description": "The reply User A should send. Required when reply_suggested is true"
		}
	},
	"required": ["thoughts", "summary", "reasoning", "reply_suggested"]
}`)

// PromptBuilder renders a conversation window as prompt text.
type PromptBuilder struct {
	drafter drafting.Service
	logger  *zap.Logger
}

// NewPromptBuilder creates a PromptBuilder that captions images through
// drafter.
func NewPromptBuilder(drafter drafting.Service, logger *zap.Logger) *PromptBuilder {
	return &PromptBuilder{drafter: drafter, logger: logger}
}

// Render writes one "role: content" line per message, followed by one
// line per attachment. Images are captioned, small text files inlined,
// and any other file referenced by name. Attachment failures degrade to
// a filename reference.
func (b *PromptBuilder) Render(ctx context.Context, win model.ConversationWindow) string {
	var sb strings.Builder

	for _, m := range win.Messages {
		role := RoleCounterpart
		if m.Outgoing {
			role = RoleOwner
		}

		if m.Content != "" || len(m.AttachmentPaths) == 0 {
			fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
		}

		for _, path := range m.AttachmentPaths {
			sb.WriteString(b.renderAttachment(ctx, role, path, sb.String()))
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) renderAttachment(ctx context.Context, role, path, soFar string) string {
	name := filepath.Base(path)
	fallback := fmt.Sprintf("%s shared a file: %s", role, name)

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		b.logger.Warn("detecting attachment type", zap.String("path", path), zap.Error(err))
		return fallback
	}

	switch {
	case strings.HasPrefix(mt.String(), "image/"):
		caption, err := b.drafter.CaptionImage(ctx, path, soFar)
		if err != nil {
			b.logger.Warn("captioning image", zap.String("path", path), zap.Error(err))
			return fmt.Sprintf("%s shared an image: %s", role, name)
		}
		return fmt.Sprintf("%s shared an image: %s", role, caption)

	case strings.HasPrefix(mt.String(), "text/"):
		text, truncated, err := readHead(path, maxInlineText)
		if err != nil {
			b.logger.Warn("reading text attachment", zap.String("path", path), zap.Error(err))
			return fallback
		}
		if truncated {
			text += "\n[truncated]"
		}
		return fmt.Sprintf("%s shared a file (%s):\n%s", role, name, text)

	default:
		return fallback
	}
}

// readHead reads at most limit bytes of the file at path.
func readHead(path string, limit int64) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) > limit {
		return strings.ToValidUTF8(string(data[:limit]), ""), true, nil
	}
	return string(data), false, nil
}
