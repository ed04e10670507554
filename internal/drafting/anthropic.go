package drafting

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nhle/messaging-manager/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"

	// maxImageBytes is the largest image sent for captioning.
	maxImageBytes = 5 << 20
)

// captionTypes lists the image formats the API accepts.
var captionTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Client implements Service on the Claude Messages API.
type Client struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	timeout   time.Duration
	limiter   *rate.Limiter
	client    *http.Client
	logger    *zap.Logger
}

var _ Service = (*Client)(nil)

// New creates a Claude client. A zero RequestsPerMinute disables pacing.
func New(apiKey string, cfg model.DraftingConfig, logger *zap.Logger) *Client {
	c := &Client{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		client:    &http.Client{},
		logger:    logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Complete forces the model to answer through a single tool whose input
// schema is req.Schema and returns the tool input.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error) {
	name := req.SchemaName
	if name == "" {
		name = "structured_output"
	}

	resp, err := c.callAPI(ctx, apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    req.System,
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: req.Context}},
		}},
		Tools: []apiTool{{
			Name:        name,
			Description: "Record the structured result of the analysis.",
			InputSchema: req.Schema,
		}},
		ToolChoice: &apiToolChoice{Type: "tool", Name: name},
	})
	if err != nil {
		return nil, err
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == name {
			return block.Input, nil
		}
	}
	return nil, fmt.Errorf("response %s has no %s output (stop reason %q)", resp.ID, name, resp.StopReason)
}

// CaptionImage sends the image inline and returns the model's short
// description of it.
func (c *Client) CaptionImage(ctx context.Context, imagePath, convContext string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("reading image %s: %w", imagePath, err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image %s is %d bytes, limit is %d", imagePath, len(data), maxImageBytes)
	}

	mediaType := mimetype.Detect(data).String()
	if !captionTypes[mediaType] {
		return "", fmt.Errorf("image %s has unsupported type %s", imagePath, mediaType)
	}

	prompt := "Describe this image in one or two sentences so that someone " +
		"reading the conversation without seeing it understands what was shared."
	if convContext != "" {
		prompt += "\n\nConversation so far:\n" + convContext
	}

	resp, err := c.callAPI(ctx, apiRequest{
		Model:     c.model,
		MaxTokens: 300,
		Messages: []apiMessage{{
			Role: "user",
			Content: []apiContentBlock{
				{
					Type: "image",
					Source: &apiImageSource{
						Type:      "base64",
						MediaType: mediaType,
						Data:      base64.StdEncoding.EncodeToString(data),
					},
				},
				{Type: "text", Text: prompt},
			},
		}},
	})
	if err != nil {
		return "", err
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	caption := strings.TrimSpace(strings.Join(parts, ""))
	if caption == "" {
		return "", fmt.Errorf("empty caption for %s", imagePath)
	}
	return caption, nil
}

// callAPI makes a single request to the Claude Messages API.
func (c *Client) callAPI(ctx context.Context, reqBody apiRequest) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("claude api call",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &result, nil
}

// --- Claude API types ---

type apiRequest struct {
	Model      string         `json:"model"`
	MaxTokens  int            `json:"max_tokens"`
	System     string         `json:"system,omitempty"`
	Messages   []apiMessage   `json:"messages"`
	Tools      []apiTool      `json:"tools,omitempty"`
	ToolChoice *apiToolChoice `json:"tool_choice,omitempty"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For image blocks
	Source *apiImageSource `json:"source,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type apiToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}
