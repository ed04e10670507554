// Package drafting defines the contract of the generative drafting
// service and implements it on the Claude Messages API.
package drafting

import (
	"context"
	"encoding/json"
)

// CompletionRequest asks the service for structured output.
type CompletionRequest struct {
	// System is the system prompt.
	System string

	// Context is the rendered conversation the model reasons about.
	Context string

	// SchemaName names the structured output.
	SchemaName string

	// Schema is the JSON schema the output must follow.
	Schema json.RawMessage
}

// Service produces drafts and image captions.
type Service interface {
	// Complete returns a JSON document following req.Schema.
	Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error)

	// CaptionImage describes the image at imagePath. context is the
	// surrounding conversation text, used to focus the description.
	CaptionImage(ctx context.Context, imagePath, context string) (string, error)
}
