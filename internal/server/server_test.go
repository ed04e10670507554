package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/messaging-manager/internal/draft"
	"github.com/nhle/messaging-manager/internal/manager"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/store"
	appsync "github.com/nhle/messaging-manager/internal/sync"
)

type fakeBackend struct {
	drafts   []model.DraftRecord
	approved map[string]string
	ignored  []string
	pollErr  error
}

func (f *fakeBackend) ListPendingDrafts(context.Context) ([]model.DraftRecord, error) {
	return f.drafts, nil
}

func (f *fakeBackend) Draft(_ context.Context, id string) (*model.DraftRecord, error) {
	for _, d := range f.drafts {
		if d.DraftID == id {
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeBackend) Approve(_ context.Context, id, text string) manager.Result {
	if _, err := f.Draft(context.Background(), id); err != nil {
		return manager.Result{Message: "draft not found"}
	}
	f.approved[id] = text
	return manager.Result{Success: true, Message: "reply sent"}
}

func (f *fakeBackend) Ignore(_ context.Context, id string) manager.Result {
	f.ignored = append(f.ignored, id)
	return manager.Result{Success: true, Message: "draft ignored"}
}

func (f *fakeBackend) RunPollCycle(context.Context) (appsync.CycleReport, error) {
	return appsync.CycleReport{Sources: 2, Ingested: 7}, f.pollErr
}

func (f *fakeBackend) RunProcessCycle(context.Context) (draft.CycleReport, error) {
	return draft.CycleReport{Conversations: 3, Created: 1, Reused: 2}, nil
}

func (f *fakeBackend) SourceStatuses() []appsync.SyncStatus {
	return []appsync.SyncStatus{
		{ServiceName: "email", State: appsync.SyncIdle, Ingested: 4},
		{ServiceName: "telegram", State: appsync.SyncError, Error: errors.New("auth expired")},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeBackend, string) {
	t.Helper()

	b := &fakeBackend{
		drafts:   []model.DraftRecord{{DraftID: "d1", ConversationID: "c1", Status: model.DraftPending}},
		approved: make(map[string]string),
	}
	dir := t.TempDir()
	return New(b, dir, zaptest.NewLogger(t)), b, dir
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListDrafts(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/draft_responses", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got []model.DraftRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got) != 1 || got[0].DraftID != "d1" {
		t.Errorf("drafts = %+v, want d1", got)
	}

	if rec := do(t, s, http.MethodGet, "/draft_responses/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown draft status = %d, want 404", rec.Code)
	}
}

func TestApproveAndIgnore(t *testing.T) {
	s, b, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/draft_responses/d1/approve", `{"response":"on my way"}`)
	var res manager.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if diff := cmp.Diff(manager.Result{Success: true, Message: "reply sent"}, res); diff != "" {
		t.Errorf("approve result (-want +got):\n%s", diff)
	}
	if b.approved["d1"] != "on my way" {
		t.Errorf("approved = %v", b.approved)
	}

	rec = do(t, s, http.MethodPost, "/draft_responses/zz/approve", `{"response":"x"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Errorf("approve unknown = %+v, want failure", res)
	}

	if rec := do(t, s, http.MethodPost, "/draft_responses/d1/approve", `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	do(t, s, http.MethodPost, "/draft_responses/d1/ignore", "")
	if diff := cmp.Diff([]string{"d1"}, b.ignored); diff != "" {
		t.Errorf("ignored (-want +got):\n%s", diff)
	}
}

func TestMediaConfinedToDir(t *testing.T) {
	s, _, dir := newTestServer(t)

	if err := os.MkdirAll(filepath.Join(dir, "ab"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ab", "photo.txt"), []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, http.MethodGet, "/media/ab/photo.txt", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pixels" {
		t.Errorf("media = %d %q, want 200 pixels", rec.Code, rec.Body.String())
	}

	if rec := do(t, s, http.MethodGet, "/media/../../etc/passwd", ""); rec.Code == http.StatusOK {
		t.Errorf("escaping path served with status %d", rec.Code)
	}
}

func TestCyclesAndStatus(t *testing.T) {
	s, b, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cycles/poll", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ingested":7`) {
		t.Errorf("poll = %d %s", rec.Code, rec.Body.String())
	}

	b.pollErr = manager.ErrCycleRunning
	if rec := do(t, s, http.MethodPost, "/cycles/poll", ""); rec.Code != http.StatusConflict {
		t.Errorf("overlapping poll status = %d, want 409", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/cycles/process", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"reused":2`) {
		t.Errorf("process = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/status", "")
	var body struct {
		Sources []SourceStatus `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if len(body.Sources) != 2 || body.Sources[1].State != "error" || body.Sources[1].Error != "auth expired" {
		t.Errorf("status = %+v", body.Sources)
	}
}
