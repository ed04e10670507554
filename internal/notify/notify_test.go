package notify

import (
	"context"
	"testing"
)

func TestRecorderKeepsNewest(t *testing.T) {
	r := NewRecorder(2)
	f := Fanout{Nop{}, r}

	for _, id := range []string{"a", "b", "c"} {
		f.Publish(context.Background(), SubjectDraftCreated, Event{DraftID: id})
	}
	f.Close()

	got := r.Events()
	if len(got) != 2 || got[0].Event.DraftID != "b" || got[1].Event.DraftID != "c" {
		t.Errorf("Events() = %+v, want b then c", got)
	}
	if got[0].Subject != SubjectDraftCreated {
		t.Errorf("subject = %s, want %s", got[0].Subject, SubjectDraftCreated)
	}
}
