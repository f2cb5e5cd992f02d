package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/guidedflow/guidedflow"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T) *SQLiteEventStore {
	t.Helper()
	store, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: testDSN(t)})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteEventStore_AppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e := guidedflow.NewEvent(guidedflow.ActionStepCompleted, "sess-1").
			WithStep(fmt.Sprintf("step-%d", i)).
			WithProp("answers", map[string]any{"q1": "yes"})
		stored, err := store.Append(ctx, e)
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		if stored.Seq != uint64(i) {
			t.Fatalf("Append(%d): seq = %d", i, stored.Seq)
		}
	}

	events, err := store.List(ctx, "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("List: got %d events, want 5", len(events))
	}
	if events[0].StepID != "step-1" || events[4].StepID != "step-5" {
		t.Fatalf("List order: got %q .. %q", events[0].StepID, events[4].StepID)
	}
	if events[0].Props["answers"] == nil {
		t.Fatal("List: props not round-tripped")
	}

	tail, err := store.List(ctx, "sess-1", 3, 0)
	if err != nil {
		t.Fatalf("List after 3: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 {
		t.Fatalf("List after 3: got %d events starting at seq %d", len(tail), tail[0].Seq)
	}

	limited, err := store.List(ctx, "sess-1", 0, 2)
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("List limit 2: got %d events", len(limited))
	}
}

func TestSQLiteEventStore_SeqIsPerSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "sess-a"))
	b, _ := store.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "sess-b"))
	a2, _ := store.Append(ctx, guidedflow.NewEvent(guidedflow.ActionSessionCompleted, "sess-a"))

	if a.Seq != 1 || b.Seq != 1 || a2.Seq != 2 {
		t.Fatalf("seq: got a=%d b=%d a2=%d", a.Seq, b.Seq, a2.Seq)
	}

	latest, err := store.LatestSeq(ctx, "sess-a")
	if err != nil || latest != 2 {
		t.Fatalf("LatestSeq: got %d, %v", latest, err)
	}
}

func TestSQLiteEventStore_CountByAction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "a"))
	_, _ = store.Append(ctx, guidedflow.NewEvent(guidedflow.ActionStepCompleted, "b"))
	_, _ = store.Append(ctx, guidedflow.NewEvent(guidedflow.ActionCRMFormSubmitted, "b"))

	counts, err := store.CountByAction(ctx)
	if err != nil {
		t.Fatalf("CountByAction: %v", err)
	}
	if counts[guidedflow.ActionStepCompleted] != 2 || counts[guidedflow.ActionCRMFormSubmitted] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}
