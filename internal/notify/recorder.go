package notify

import (
	"context"
	"sync"
)

// Recorded is an event captured by a Recorder.
type Recorded struct {
	Subject string
	Event   Event
}

// Recorder keeps published events in memory. It backs tests and the
// status endpoint's recent-activity view.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	max    int
}

// NewRecorder keeps at most max events, dropping the oldest.
func NewRecorder(max int) *Recorder {
	return &Recorder{max: max}
}

func (r *Recorder) Publish(_ context.Context, subject string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, Recorded{Subject: subject, Event: ev})
	if r.max > 0 && len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
}

func (r *Recorder) Close() {}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Recorded(nil), r.events...)
}

// Fanout publishes every event to each of its notifiers.
type Fanout []Notifier

func (f Fanout) Publish(ctx context.Context, subject string, ev Event) {
	for _, n := range f {
		n.Publish(ctx, subject, ev)
	}
}

func (f Fanout) Close() {
	for _, n := range f {
		n.Close()
	}
}
