package draft

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nhle/messaging-manager/internal/conversation"
	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/memo"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/notify"
	"github.com/nhle/messaging-manager/internal/store"
	"github.com/nhle/messaging-manager/internal/testutil"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func window(conv string, from, to int) model.ConversationWindow {
	win := model.ConversationWindow{ConversationID: conv}
	for i := from; i <= to; i++ {
		win.Messages = append(win.Messages, testutil.Message(conv, i, base))
	}
	return win
}

func newTestCache(t *testing.T, drafter *testutil.FakeDrafter) (*Cache, *store.SQLStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	return NewCache(s, drafter, lock.NewLocal(), zaptest.NewLogger(t)), s
}

func TestIDIsContentAddress(t *testing.T) {
	a := ID(window("c", 1, 3).MessageIDs())
	if a != ID(window("c", 1, 3).MessageIDs()) {
		t.Error("ID differs for identical windows")
	}
	if a == ID(window("c", 2, 4).MessageIDs()) {
		t.Error("ID equal for different windows")
	}
	if ID([]string{"ab", "c"}) == ID([]string{"a", "bc"}) {
		t.Error("ID does not separate message IDs")
	}
}

func TestEnsureDraftReusesCachedRecord(t *testing.T) {
	ctx := context.Background()
	drafter := &testutil.FakeDrafter{}
	c, _ := newTestCache(t, drafter)
	win := window("c1", 1, 3)

	first, err := c.EnsureDraft(ctx, win)
	if err != nil {
		t.Fatalf("EnsureDraft: %v", err)
	}
	second, err := c.EnsureDraft(ctx, win)
	if err != nil {
		t.Fatalf("EnsureDraft again: %v", err)
	}

	if drafter.CallCount() != 1 {
		t.Errorf("drafting calls = %d, want 1", drafter.CallCount())
	}
	if first.DraftID != second.DraftID || second.Status != model.DraftPending {
		t.Errorf("second = %s/%s, want %s/pending", second.DraftID, second.Status, first.DraftID)
	}
	if first.DraftID != ID(win.MessageIDs()) {
		t.Errorf("DraftID = %s, want content address", first.DraftID)
	}
}

func TestEnsureDraftConcurrentCallsShareGeneration(t *testing.T) {
	ctx := context.Background()
	drafter := &testutil.FakeDrafter{Delay: 20 * time.Millisecond}
	c, _ := newTestCache(t, drafter)
	win := window("c1", 1, 5)

	var wg sync.WaitGroup
	ids := make([]string, 12)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.EnsureDraft(ctx, win)
			if err != nil {
				t.Errorf("EnsureDraft: %v", err)
				return
			}
			ids[i] = d.DraftID
		}(i)
	}
	wg.Wait()

	if drafter.CallCount() != 1 {
		t.Errorf("drafting calls = %d, want 1", drafter.CallCount())
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("callers saw different drafts: %v", ids)
		}
	}
}

func TestEnsureDraftStatus(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		want      model.DraftStatus
		wantReply bool
	}{
		{name: "reply suggested", response: testutil.ReplyDraft, want: model.DraftPending, wantReply: true},
		{name: "no reply", response: testutil.NoReplyDraft, want: model.DraftIgnored},
		{
			name:     "reply text dropped when not suggested",
			response: `{"summary":"s","reasoning":"r","reply_suggested":false,"reply_text":"x"}`,
			want:     model.DraftIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(t, &testutil.FakeDrafter{Response: tt.response})
			d, err := c.EnsureDraft(context.Background(), window("c1", 1, 2))
			if err != nil {
				t.Fatalf("EnsureDraft: %v", err)
			}
			if d.Status != tt.want {
				t.Errorf("status = %s, want %s", d.Status, tt.want)
			}
			if (d.Generated.ReplyText != nil) != tt.wantReply {
				t.Errorf("reply text = %v, want present %v", d.Generated.ReplyText, tt.wantReply)
			}
		})
	}
}

func TestEnsureDraftGenerationErrorPersistsNothing(t *testing.T) {
	tests := []struct {
		name     string
		drafter  *testutil.FakeDrafter
		contains string
	}{
		{name: "service failure", drafter: &testutil.FakeDrafter{Err: errors.New("overloaded")}, contains: "overloaded"},
		{name: "malformed json", drafter: &testutil.FakeDrafter{Response: `{"summary":`}, contains: "decoding"},
		{name: "missing summary", drafter: &testutil.FakeDrafter{Response: `{"reasoning":"r","reply_suggested":false}`}, contains: "Summary"},
		{
			name:     "reply without text",
			drafter:  &testutil.FakeDrafter{Response: `{"summary":"s","reasoning":"r","reply_suggested":true,"reply_text":"  "}`},
			contains: "reply_text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c, s := newTestCache(t, tt.drafter)

			_, err := c.EnsureDraft(ctx, window("c1", 1, 2))
			var genErr *GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("EnsureDraft error = %v, want GenerationError", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}

			drafts, err := s.ListDrafts(ctx, store.DraftFilter{})
			if err != nil {
				t.Fatalf("ListDrafts: %v", err)
			}
			if len(drafts) != 0 {
				t.Errorf("persisted %d drafts after failure, want 0", len(drafts))
			}
		})
	}
}

func TestEnsureDraftEmptyWindow(t *testing.T) {
	c, _ := newTestCache(t, &testutil.FakeDrafter{})
	if _, err := c.EnsureDraft(context.Background(), model.ConversationWindow{}); !errors.Is(err, ErrEmptyWindow) {
		t.Errorf("EnsureDraft(empty) error = %v, want ErrEmptyWindow", err)
	}
}

func TestRenderWindow(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	img := write("photo.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	notes := write("notes.txt", []byte("buy milk"))
	bin := write("blob.bin", []byte{0x00, 0x01, 0x02, 0xff, 0xfe})

	win := model.ConversationWindow{Messages: []model.CanonicalMessage{
		{Content: "hi there", Outgoing: true},
		{Content: "look", AttachmentPaths: []string{img, notes, bin, filepath.Join(dir, "gone.jpg")}},
	}}

	drafter := &testutil.FakeDrafter{Caption: "a cat on a sofa"}
	b := NewPromptBuilder(drafter, zaptest.NewLogger(t))

	want := strings.Join([]string{
		"User A: hi there",
		"User B: look",
		"User B shared an image: a cat on a sofa",
		"User B shared a file (notes.txt):\nbuy milk",
		"User B shared a file: blob.bin",
		"User B shared a file: gone.jpg",
	}, "\n")
	if got := b.Render(context.Background(), win); got != want {
		t.Errorf("Render =\n%s\nwant\n%s", got, want)
	}

	drafter.CaptionErr = errors.New("no vision")
	got := b.Render(context.Background(), model.ConversationWindow{Messages: []model.CanonicalMessage{
		{AttachmentPaths: []string{img}},
	}})
	if got != "User B shared an image: photo.png" {
		t.Errorf("Render with caption failure = %q", got)
	}
}

func TestProcessorRunCycle(t *testing.T) {
	ctx := context.Background()
	drafter := &testutil.FakeDrafter{}
	c, s := newTestCache(t, drafter)

	var msgs []model.CanonicalMessage
	msgs = append(msgs, window("c1", 1, 3).Messages...)
	msgs = append(msgs, window("c2", 1, 2).Messages...)
	if _, err := s.MergeMessages(ctx, msgs); err != nil {
		t.Fatalf("MergeMessages: %v", err)
	}

	rec := notify.NewRecorder(10)
	p := NewProcessor(conversation.NewWindower(s, 25), c, rec, zaptest.NewLogger(t), ProcessorOptions{Concurrency: 2})

	report, err := p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if want := (CycleReport{Conversations: 2, Created: 2}); report != want {
		t.Errorf("first report = %+v, want %+v", report, want)
	}
	if n := len(rec.Events()); n != 2 {
		t.Errorf("published %d events, want 2", n)
	}

	report, err = p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle again: %v", err)
	}
	if want := (CycleReport{Conversations: 2, Reused: 2}); report != want {
		t.Errorf("second report = %+v, want %+v", report, want)
	}
	if drafter.CallCount() != 2 {
		t.Errorf("drafting calls = %d, want 2", drafter.CallCount())
	}

	drafter.Err = errors.New("down")
	if _, err := s.MergeMessages(ctx, []model.CanonicalMessage{testutil.Message("c1", 4, base)}); err != nil {
		t.Fatalf("MergeMessages: %v", err)
	}
	report, err = p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle with failing drafter: %v", err)
	}
	if want := (CycleReport{Conversations: 2, Reused: 1, Failed: 1}); report != want {
		t.Errorf("third report = %+v, want %+v", report, want)
	}
}

// stuckLocker never grants its first Acquire, as if another process held
// that draft's lock, and delegates every later call.
type stuckLocker struct {
	lock.Locker

	mu    sync.Mutex
	stuck bool
}

func (l *stuckLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	first := !l.stuck
	l.stuck = true
	l.mu.Unlock()

	if first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return l.Locker.Acquire(ctx, key)
}

func TestProcessorContendedLockFailsOnlyThatConversation(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	drafter := &testutil.FakeDrafter{}
	logger := zaptest.NewLogger(t)
	c := NewCache(s, drafter, &stuckLocker{Locker: lock.NewLocal()}, logger)

	var msgs []model.CanonicalMessage
	msgs = append(msgs, window("c1", 1, 3).Messages...)
	msgs = append(msgs, window("c2", 1, 2).Messages...)
	if _, err := s.MergeMessages(ctx, msgs); err != nil {
		t.Fatalf("MergeMessages: %v", err)
	}

	p := NewProcessor(conversation.NewWindower(s, 25), c, notify.Nop{}, logger, ProcessorOptions{
		Concurrency: 1,
		Timeout:     100 * time.Millisecond,
	})

	report, err := p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if want := (CycleReport{Conversations: 2, Created: 1, Failed: 1}); report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if drafter.CallCount() != 1 {
		t.Errorf("drafting calls = %d, want 1", drafter.CallCount())
	}
}

func TestItemFailure(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name  string
		cycle context.Context
		err   error
		want  bool
	}{
		{name: "generation", cycle: live, err: &GenerationError{Err: errors.New("x")}, want: true},
		{name: "lock", cycle: live, err: &memo.LockError{Key: "k", Err: context.DeadlineExceeded}, want: true},
		{name: "item deadline", cycle: live, err: fmt.Errorf("reading draft: %w", context.DeadlineExceeded), want: true},
		{name: "cycle cancelled", cycle: done, err: context.Canceled, want: false},
		{name: "store", cycle: live, err: errors.New("disk I/O error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := itemFailure(tt.cycle, tt.err); got != tt.want {
				t.Errorf("itemFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
