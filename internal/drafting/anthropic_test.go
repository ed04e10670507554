package drafting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", model.DraftingConfig{BaseURL: srv.URL}, zap.NewNop())
}

func TestCompleteForcesTool(t *testing.T) {
	var got apiRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"id":"msg_1","content":[
			{"type":"text","text":"thinking"},
			{"type":"tool_use","id":"tu_1","name":"draft","input":{"summary":"hi"}}
		],"stop_reason":"tool_use"}`))
	})

	out, err := c.Complete(context.Background(), CompletionRequest{
		System:     "sys",
		Context:    "User B: hello",
		SchemaName: "draft",
		Schema:     json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if string(out) != `{"summary":"hi"}` {
		t.Errorf("Complete = %s, want tool input", out)
	}
	if got.ToolChoice == nil || got.ToolChoice.Name != "draft" || got.ToolChoice.Type != "tool" {
		t.Errorf("tool_choice = %+v, want forced draft tool", got.ToolChoice)
	}
	if got.System != "sys" || got.Messages[0].Content[0].Text != "User B: hello" {
		t.Errorf("request = %+v, want system and context", got)
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "api error", status: 429, body: `{"error":{"type":"rate_limit_error","message":"slow down"}}`, wantErr: "slow down"},
		{name: "no tool output", status: 200, body: `{"id":"m","content":[{"type":"text","text":"no"}]}`, wantErr: "no draft output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Complete(context.Background(), CompletionRequest{SchemaName: "draft"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Complete error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCaptionImage(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o644); err != nil {
		t.Fatal(err)
	}
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got apiRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"m","content":[{"type":"text","text":" A cat on a sofa. "}]}`))
	})

	caption, err := c.CaptionImage(context.Background(), png, "User B: look")
	if err != nil {
		t.Fatalf("CaptionImage: %v", err)
	}
	if caption != "A cat on a sofa." {
		t.Errorf("caption = %q, want trimmed text", caption)
	}
	src := got.Messages[0].Content[0].Source
	if src == nil || src.MediaType != "image/png" || src.Type != "base64" {
		t.Errorf("image source = %+v, want base64 image/png", src)
	}

	if _, err := c.CaptionImage(context.Background(), txt, ""); err == nil {
		t.Error("CaptionImage(text file) succeeded, want unsupported type error")
	}
}
