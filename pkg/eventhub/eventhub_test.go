package eventhub

import (
	"context"
	"testing"
	"time"
)

func sampleEvent(world string, stage Stage, decision Decision) Event {
	return Event{
		Type:    "ubl/event",
		Ver:     "1.0.0",
		ID:      BuildID("b3:wf1", stage, "b3:in", "b3:out"),
		World:   world,
		Stage:   stage,
		When:    time.Now().UTC(),
		Chip:    Chip{Type: "ubl/document", ID: "doc-1", Ver: "1.0"},
		Receipt: ReceiptRef{CID: "b3:wf1", Decision: decision},
		Actor:   Actor{KID: "kid-1"},
	}
}

func TestHub_PublishDeliversToMatchingSubscriber(t *testing.T) {
	h := New(NewMemoryEventStore())
	ch, unsubscribe := h.Subscribe(Filter{World: "a/demo/t/main"})
	defer unsubscribe()

	ev := sampleEvent("a/demo/t/main", StageWF, DecisionAllow)
	if err := h.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Fatalf("expected event id %s, got %s", ev.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive the published event")
	}
}

func TestHub_PublishSkipsNonMatchingSubscriber(t *testing.T) {
	h := New(NewMemoryEventStore())
	ch, unsubscribe := h.Subscribe(Filter{World: "a/other/t/main"})
	defer unsubscribe()

	if err := h.Publish(context.Background(), sampleEvent("a/demo/t/main", StageWF, DecisionAllow)); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		t.Fatalf("expected no event for a non-matching world filter, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := New(nil)
	ch, unsubscribe := h.Subscribe(Filter{})
	unsubscribe()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestHub_LaggedSubscriberIsDroppedNotBlocked(t *testing.T) {
	h := New(nil)
	ch, _ := h.Subscribe(Filter{})

	for i := 0; i < subscriberBuffer+10; i++ {
		if err := h.Publish(context.Background(), sampleEvent("w", StageWF, DecisionAllow)); err != nil {
			t.Fatal(err)
		}
	}

	if h.DroppedCount() == 0 {
		t.Fatal("expected the overfull subscriber to be counted as dropped")
	}
	// Drain whatever made it through before the drop; channel should now be closed.
	for range ch {
	}
}

func TestHub_HistoryDrainsDurableStoreBeforeLive(t *testing.T) {
	store := NewMemoryEventStore()
	h := New(store)
	ctx := context.Background()

	past := sampleEvent("a/demo/t/main", StageWF, DecisionAllow)
	if err := h.Publish(ctx, past); err != nil {
		t.Fatal(err)
	}

	got, err := h.History(ctx, Filter{World: "a/demo/t/main"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != past.ID {
		t.Fatalf("expected history to contain the published event, got %+v", got)
	}
}

func TestMemoryEventStore_QueryFiltersByStageAndDecision(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	_ = store.Append(ctx, sampleEvent("w", StageWF, DecisionAllow))
	_ = store.Append(ctx, sampleEvent("w", StageCheck, DecisionDeny))

	allow, err := store.Query(ctx, Filter{Decision: DecisionAllow}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(allow) != 1 || allow[0].Receipt.Decision != DecisionAllow {
		t.Fatalf("expected one ALLOW event, got %+v", allow)
	}
}

func TestMemoryEventStore_QueryStageAndDecisionAreCaseInsensitive(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	_ = store.Append(ctx, sampleEvent("w", StageWF, DecisionAllow))

	got, err := store.Query(ctx, Filter{Stage: "wf", Decision: "allow"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected case-insensitive stage/decision match, got %+v", got)
	}
}

func TestMemoryEventStore_QueryChipTypeWildcard(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	_ = store.Append(ctx, sampleEvent("w", StageWF, DecisionAllow))

	got, err := store.Query(ctx, Filter{ChipType: "*"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected chip_type wildcard to match any chip type, got %+v", got)
	}
}

func TestMemoryEventStore_QuerySinceExcludesOlderEvents(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	old := sampleEvent("w", StageWF, DecisionAllow)
	old.When = time.Now().Add(-time.Hour).UTC()
	_ = store.Append(ctx, old)

	cutoff := time.Now().Add(-time.Minute)
	got, err := store.Query(ctx, Filter{Since: cutoff}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected Since to exclude an event before the cutoff, got %+v", got)
	}
}

func TestHub_SearchReturnsEmptySliceWithNoStore(t *testing.T) {
	h := New(nil)
	got, err := h.Search(context.Background(), Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected an empty, non-nil slice, got %+v", got)
	}
}

func TestBuildID_DeterministicOverSameInputs(t *testing.T) {
	a := BuildID("b3:wf1", StageWF, "b3:in", "b3:out")
	b := BuildID("b3:wf1", StageWF, "b3:in", "b3:out")
	if a != b {
		t.Fatalf("expected deterministic event ids, got %s and %s", a, b)
	}
}
