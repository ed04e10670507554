package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/normalize"
	"github.com/nhle/messaging-manager/internal/notify"
	"github.com/nhle/messaging-manager/internal/source"
	"github.com/nhle/messaging-manager/internal/store"
	"github.com/nhle/messaging-manager/internal/testutil"
)

var base = time.Date(2024, 4, 10, 7, 30, 0, 0, time.UTC)

func chat(peer string, n int) source.RawItem {
	return source.RawItem{
		Kind:      source.KindChat,
		ID:        fmt.Sprint(n),
		PeerID:    peer,
		SenderID:  peer,
		Body:      []byte(fmt.Sprintf("hello %d", n)),
		Timestamp: base.Add(time.Duration(n) * time.Minute),
		Keys:      map[string]string{"peer_id": peer, "message_id": fmt.Sprint(n)},
	}
}

type failingStore struct {
	*store.SQLStore
}

func (failingStore) MergeMessages(context.Context, []model.CanonicalMessage) ([]model.CanonicalMessage, error) {
	return nil, errors.New("disk full")
}

func newPoller(t *testing.T, s store.Store, rec notify.Notifier, limit int, adapters ...source.Adapter) *Poller {
	t.Helper()

	reg := source.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	logger := zaptest.NewLogger(t)
	return New(s, reg, normalize.New(logger), lock.NewLocal(), rec, logger, Options{FetchLimit: limit})
}

func TestRunCycleIngestsAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	rec := notify.NewRecorder(50)

	tg := testutil.NewFakeAdapter("telegram", map[string][]source.RawItem{
		"main": {chat("alice", 1), chat("alice", 2), chat("bob", 3), chat("alice", 4), chat("bob", 5)},
	})
	p := newPoller(t, s, rec, 2, tg)

	report, err := p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Ingested != 5 || report.Failed != 0 {
		t.Errorf("report = %+v, want 5 ingested", report)
	}
	if tg.LoginCalls != 1 {
		t.Errorf("login calls = %d, want 1", tg.LoginCalls)
	}

	c, err := s.GetCursor(ctx, "telegram", "main")
	if err != nil || c == nil {
		t.Fatalf("GetCursor = %v, %v", c, err)
	}
	if c.Position != 5 {
		t.Errorf("cursor position = %d, want 5", c.Position)
	}

	active, err := s.ActiveConversations(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("conversations = %d, want 2", len(active))
	}

	tg.AddItems("main", chat("alice", 6))
	report, err = p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle again: %v", err)
	}
	if report.Ingested != 1 {
		t.Errorf("second cycle ingested %d, want 1", report.Ingested)
	}

	var ingested int
	for _, ev := range rec.Events() {
		if ev.Subject == notify.SubjectMessagesIngested {
			ingested += ev.Event.Count
		}
	}
	if ingested != 6 {
		t.Errorf("ingested events count %d messages, want 6", ingested)
	}

	statuses := p.GetStatuses()
	if len(statuses) != 1 || statuses[0].State != SyncIdle || statuses[0].LastSync.IsZero() {
		t.Errorf("statuses = %+v, want one idle synced source", statuses)
	}
}

func TestRunCycleAdapterFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	ok := testutil.NewFakeAdapter("email", map[string][]source.RawItem{"INBOX": {chat("x", 1)}})
	broken := testutil.NewFakeAdapter("telegram", map[string][]source.RawItem{"main": {chat("y", 1)}})
	broken.FetchErr = errors.New("timeout")

	p := newPoller(t, s, notify.Nop{}, 10, ok, broken)

	report, err := p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle returned adapter failure: %v", err)
	}
	if report.Ingested != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 ingested and 1 failed", report)
	}

	if c, _ := s.GetCursor(ctx, "telegram", "main"); c != nil {
		t.Errorf("failed source cursor = %+v, want none", c)
	}

	for _, st := range p.GetStatuses() {
		want := SyncIdle
		if st.ServiceName == "telegram" {
			want = SyncError
		}
		if st.State != want {
			t.Errorf("%s state = %s, want %s", st.ServiceName, st.State, want)
		}
	}
}

func TestRunCycleAuthFailure(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.NewFakeAdapter("telegram", nil)
	a.LoginErr = &source.AuthError{ServiceName: "telegram", Message: "revoked"}

	p := newPoller(t, s, notify.Nop{}, 10, a)
	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Failed != 1 || a.FetchCalls != 0 {
		t.Errorf("report = %+v fetches = %d, want failure without fetching", report, a.FetchCalls)
	}
	if st := p.GetStatuses()[0]; !source.IsAuthError(st.Error) {
		t.Errorf("status error = %v, want AuthError", st.Error)
	}
}

func TestRunCycleStoreFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	a := testutil.NewFakeAdapter("telegram", map[string][]source.RawItem{"main": {chat("x", 1)}})

	p := newPoller(t, failingStore{s}, notify.Nop{}, 10, a)
	if _, err := p.RunCycle(ctx); err == nil {
		t.Fatal("RunCycle succeeded with a failing store")
	}

	if c, _ := s.GetCursor(ctx, "telegram", "main"); c != nil {
		t.Errorf("cursor advanced to %+v despite merge failure", c)
	}
}
