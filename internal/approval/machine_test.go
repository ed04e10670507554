package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/notify"
	"github.com/nhle/messaging-manager/internal/source"
	"github.com/nhle/messaging-manager/internal/store"
	"github.com/nhle/messaging-manager/internal/testutil"
)

var base = time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)

type fixture struct {
	machine  *Machine
	store    *store.SQLStore
	adapter  *testutil.FakeAdapter
	recorder *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := testutil.NewTestStore(t)
	adapter := testutil.NewFakeAdapter("fake", nil)
	reg := source.NewRegistry()
	if err := reg.Register(adapter); err != nil {
		t.Fatal(err)
	}
	rec := notify.NewRecorder(10)

	return &fixture{
		machine:  NewMachine(s, reg, lock.NewLocal(), rec, zaptest.NewLogger(t), time.Second),
		store:    s,
		adapter:  adapter,
		recorder: rec,
	}
}

func (f *fixture) insert(t *testing.T, id string, status model.DraftStatus) model.DraftRecord {
	t.Helper()

	reply := "suggested reply"
	d := model.DraftRecord{
		DraftID:        id,
		ConversationID: "c1",
		Window: []model.CanonicalMessage{
			testutil.Message("c1", 1, base),
			testutil.Message("c1", 2, base),
		},
		Generated: model.GeneratedFields{Summary: "s", Reasoning: "r", ReplySuggested: true, ReplyText: &reply},
		Status:    status,
	}
	if _, err := f.store.InsertDraft(context.Background(), d); err != nil {
		t.Fatalf("InsertDraft: %v", err)
	}
	return d
}

func TestApproveSendsToLastMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.insert(t, "d1", model.DraftPending)

	got, err := f.machine.Approve(ctx, "d1", "on my way")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if got.Status != model.DraftSent || got.SentAt == nil {
		t.Errorf("draft = %s sent_at %v, want sent with timestamp", got.Status, got.SentAt)
	}
	if got.ApprovedText == nil || *got.ApprovedText != "on my way" {
		t.Errorf("approved text = %v, want %q", got.ApprovedText, "on my way")
	}

	want := []testutil.SentReply{{Keys: d.Window[1].SourceKeys, Text: "on my way"}}
	if diff := cmp.Diff(want, f.adapter.Replies); diff != "" {
		t.Errorf("replies (-want +got):\n%s", diff)
	}
	if f.adapter.LoginCalls != 1 {
		t.Errorf("login calls = %d, want 1", f.adapter.LoginCalls)
	}

	events := f.recorder.Events()
	if len(events) != 1 || events[0].Subject != notify.SubjectDraftSent {
		t.Errorf("events = %+v, want one %s", events, notify.SubjectDraftSent)
	}
}

func TestApproveEmptyTextUsesSuggestion(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "d1", model.DraftIgnored)

	if _, err := f.machine.Approve(context.Background(), "d1", "  "); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(f.adapter.Replies) != 1 || f.adapter.Replies[0].Text != "suggested reply" {
		t.Errorf("replies = %+v, want the suggested reply", f.adapter.Replies)
	}
}

func TestSentIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "d1", model.DraftPending)

	if _, err := f.machine.Approve(ctx, "d1", "hello"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if _, err := f.machine.Approve(ctx, "d1", "hello again"); !errors.Is(err, ErrAlreadySent) {
		t.Errorf("second Approve error = %v, want ErrAlreadySent", err)
	}
	if err := f.machine.Ignore(ctx, "d1"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Ignore after send error = %v, want ErrIllegalTransition", err)
	}
	if n := f.adapter.ReplyCount(); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
}

func TestConcurrentApproveSendsOnce(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "d1", model.DraftPending)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Approve(context.Background(), "d1", "only once")
			if err != nil && !errors.Is(err, ErrAlreadySent) {
				t.Errorf("Approve: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.adapter.ReplyCount(); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
}

func TestApproveSendFailureKeepsApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "d1", model.DraftPending)
	f.adapter.ReplyErr = errors.New("connection reset")

	got, err := f.machine.Approve(ctx, "d1", "hi")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Approve error = %v, want SendError", err)
	}
	if sendErr.ServiceName != "fake" {
		t.Errorf("SendError service = %q, want fake", sendErr.ServiceName)
	}
	if got.Status != model.DraftApproved || got.LastError == "" {
		t.Errorf("draft = %s last_error %q, want approved with error", got.Status, got.LastError)
	}

	f.adapter.ReplyErr = nil
	got, err = f.machine.Approve(ctx, "d1", "hi")
	if err != nil {
		t.Fatalf("retrying Approve: %v", err)
	}
	if got.Status != model.DraftSent || got.LastError != "" {
		t.Errorf("draft after retry = %s last_error %q, want sent without error", got.Status, got.LastError)
	}
}

func TestApproveRecordsSendAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "d1", model.DraftPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.adapter.OnReply = cancel

	got, err := f.machine.Approve(ctx, "d1", "hi")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != model.DraftSent {
		t.Errorf("status = %s, want sent", got.Status)
	}

	stored, err := f.store.GetDraft(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if stored.Status != model.DraftSent {
		t.Errorf("stored status = %s, want sent", stored.Status)
	}

	f.adapter.OnReply = nil
	if _, err := f.machine.Approve(context.Background(), "d1", "hi"); !errors.Is(err, ErrAlreadySent) {
		t.Errorf("second Approve = %v, want ErrAlreadySent", err)
	}
	if n := f.adapter.ReplyCount(); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
}

func TestApproveLoginFailure(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "d1", model.DraftPending)
	f.adapter.LoginErr = &source.AuthError{ServiceName: "fake", Message: "token expired"}

	_, err := f.machine.Approve(context.Background(), "d1", "hi")
	if !source.IsAuthError(err) {
		t.Errorf("Approve error = %v, want AuthError in chain", err)
	}
	if f.adapter.ReplyCount() != 0 {
		t.Error("reply sent despite failed login")
	}
}

func TestApproveUnknownService(t *testing.T) {
	f := newFixture(t)
	other := model.DraftRecord{
		DraftID:        "d2",
		ConversationID: "c2",
		Window:         []model.CanonicalMessage{{MessageID: "m", ServiceName: "gone", Timestamp: base}},
		Generated:      model.GeneratedFields{Summary: "s", Reasoning: "r"},
		Status:         model.DraftPending,
	}
	if _, err := f.store.InsertDraft(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	var sendErr *SendError
	if _, err := f.machine.Approve(context.Background(), "d2", "hi"); !errors.As(err, &sendErr) {
		t.Errorf("Approve error = %v, want SendError", err)
	}
}

func TestIgnore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "pending", model.DraftPending)
	f.insert(t, "approved", model.DraftApproved)

	if err := f.machine.Ignore(ctx, "pending"); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if err := f.machine.Ignore(ctx, "pending"); err != nil {
		t.Errorf("Ignore twice: %v", err)
	}
	d, err := f.store.GetDraft(ctx, "pending")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != model.DraftIgnored {
		t.Errorf("status = %s, want ignored", d.Status)
	}

	if err := f.machine.Ignore(ctx, "approved"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Ignore(approved) error = %v, want ErrIllegalTransition", err)
	}
	if err := f.machine.Ignore(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Ignore(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := f.machine.Approve(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Approve(missing) error = %v, want ErrNotFound", err)
	}
}
