package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nhle/messaging-manager/internal/drafting"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/source"
)

// ReplyDraft is a drafting result suggesting a reply.
const ReplyDraft = `{"thoughts":"t","summary":"s","reasoning":"asked a question","reply_suggested":true,"reply_text":"Sure, see you then"}`

// NoReplyDraft is a drafting result suggesting no reply.
const NoReplyDraft = `{"thoughts":"t","summary":"s","reasoning":"nothing to answer","reply_suggested":false}`

// FakeDrafter is a scripted drafting.Service.
type FakeDrafter struct {
	mu sync.Mutex

	// Response is returned by Complete. Defaults to ReplyDraft.
	Response string
	Err      error

	Caption    string
	CaptionErr error

	// Delay is slept inside Complete, honoring context cancellation.
	Delay time.Duration

	Calls        int
	CaptionCalls int
	LastContext  string
}

var _ drafting.Service = (*FakeDrafter)(nil)

func (f *FakeDrafter) Complete(ctx context.Context, req drafting.CompletionRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.Calls++
	f.LastContext = req.Context
	resp, err, delay := f.Response, f.Err, f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == "" {
		resp = ReplyDraft
	}
	return json.RawMessage(resp), nil
}

func (f *FakeDrafter) CaptionImage(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CaptionCalls++
	if f.CaptionErr != nil {
		return "", f.CaptionErr
	}
	return f.Caption, nil
}

// CallCount returns the number of Complete calls so far.
func (f *FakeDrafter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// SentReply records one Reply call on a FakeAdapter.
type SentReply struct {
	Keys map[string]string
	Text string
}

// FakeAdapter is an in-memory source.Adapter. An item's cursor position
// is its 1-based index in its mailbox.
type FakeAdapter struct {
	mu sync.Mutex

	Name  string
	Items map[string][]source.RawItem

	FetchErr error
	LoginErr error
	ReplyErr error

	// OnReply, when set, runs after each successful reply.
	OnReply func()

	LoggedIn   bool
	LoginCalls int
	FetchCalls int
	Replies    []SentReply
}

var _ source.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter creates a logged-out adapter serving items per mailbox.
func NewFakeAdapter(name string, items map[string][]source.RawItem) *FakeAdapter {
	if items == nil {
		items = map[string][]source.RawItem{"main": nil}
	}
	return &FakeAdapter{Name: name, Items: items}
}

func (f *FakeAdapter) Describe() source.Descriptor {
	return source.Descriptor{ServiceName: f.Name, Type: "fake"}
}

func (f *FakeAdapter) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.LoginCalls++
	if f.LoginErr != nil {
		return f.LoginErr
	}
	f.LoggedIn = true
	return nil
}

func (f *FakeAdapter) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoggedIn = false
	return nil
}

func (f *FakeAdapter) IsLoggedIn(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoggedIn
}

func (f *FakeAdapter) Mailboxes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	boxes := make([]string, 0, len(f.Items))
	for box := range f.Items {
		boxes = append(boxes, box)
	}
	return boxes
}

func (f *FakeAdapter) FetchSince(
	_ context.Context,
	mailbox string,
	cursor model.Cursor,
	limit int,
) (*source.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.FetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}

	batch := &source.Batch{Next: cursor}
	for i, item := range f.Items[mailbox] {
		pos := int64(i + 1)
		if pos <= cursor.Position {
			continue
		}
		if limit > 0 && len(batch.Items) == limit {
			break
		}
		batch.Items = append(batch.Items, item)
		batch.Next = model.Cursor{Position: pos}
	}
	return batch, nil
}

func (f *FakeAdapter) Reply(_ context.Context, keys map[string]string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReplyErr != nil {
		return f.ReplyErr
	}
	f.Replies = append(f.Replies, SentReply{Keys: keys, Text: text})
	if f.OnReply != nil {
		f.OnReply()
	}
	return nil
}

// ReplyCount returns the number of successful replies so far.
func (f *FakeAdapter) ReplyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Replies)
}

// AddItems appends items to a mailbox.
func (f *FakeAdapter) AddItems(mailbox string, items ...source.RawItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Items[mailbox] = append(f.Items[mailbox], items...)
}
