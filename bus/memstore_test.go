package bus

import (
	"context"
	"testing"

	"github.com/guidedflow/guidedflow"
)

func TestMemEventStore_AppendAssignsSeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemEventStore()

	first, err := s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "sess-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionSessionCompleted, "sess-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seq assignment: got %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.ID == "" {
		t.Fatal("Append should assign an event id")
	}

	// Sequences are per session.
	other, _ := s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "sess-2"))
	if other.Seq != 1 {
		t.Fatalf("other session seq: got %d, want 1", other.Seq)
	}
}

func TestMemEventStore_ListAfterSeqAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemEventStore()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "sess-1")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := s.List(ctx, "sess-1", 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 || events[0].Seq != 3 {
		t.Fatalf("List after 2: got %d events starting at %d", len(events), events[0].Seq)
	}

	events, _ = s.List(ctx, "sess-1", 0, 2)
	if len(events) != 2 {
		t.Fatalf("List limit 2: got %d events", len(events))
	}

	latest, err := s.LatestSeq(ctx, "sess-1")
	if err != nil || latest != 5 {
		t.Fatalf("LatestSeq: got %d, %v, want 5", latest, err)
	}
	latest, _ = s.LatestSeq(ctx, "no-such-session")
	if latest != 0 {
		t.Fatalf("LatestSeq missing session: got %d, want 0", latest)
	}
}

func TestMemEventStore_CountByAction(t *testing.T) {
	ctx := context.Background()
	s := NewMemEventStore()
	_, _ = s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "a"))
	_, _ = s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "b"))
	_, _ = s.Append(ctx, guidedflow.NewEvent(guidedflow.ActionEscalationSubmitted, "a"))

	counts, err := s.CountByAction(ctx)
	if err != nil {
		t.Fatalf("CountByAction: %v", err)
	}
	if counts[guidedflow.ActionStepCompleted] != 2 || counts[guidedflow.ActionEscalationSubmitted] != 1 {
		t.Fatalf("counts: got %v", counts)
	}
}
