package chain

import (
	"context"
	"testing"
	"time"

	"github.com/actionledger/ledger/internal/server/storage"
)

// fakeSource is an in-memory EventSource for chain engine tests, grounded on
// the windowing and genesis-anomaly semantics described in spec.md §4.2.
type fakeSource struct {
	events []storage.Event
}

func (f *fakeSource) EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]storage.Event, error) {
	var out []storage.Event
	for _, e := range f.events {
		if e.AgentID != agentID {
			continue
		}
		if from != nil && e.Timestamp.Before(*from) {
			continue
		}
		if to != nil && e.Timestamp.After(*to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeSource) HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error) {
	for _, e := range f.events {
		if e.AgentID != agentID {
			continue
		}
		if e.Timestamp.Before(before) || (e.Timestamp.Equal(before) && e.EventID < beforeID) {
			return true, nil
		}
	}
	return false, nil
}

func buildEvent(t *testing.T, agentID, eventID string, ts time.Time, prev *string) storage.Event {
	t.Helper()
	f := Fields{
		ActionType:        "tool_call",
		AgentID:           agentID,
		EventID:           eventID,
		InputHash:         "in-" + eventID,
		OutputHash:        "out-" + eventID,
		PreviousEventHash: prev,
		Timestamp:         ts,
	}
	hash := ComputeHash(f)
	return storage.Event{
		EventID:           eventID,
		AgentID:           agentID,
		ActionType:        "tool_call",
		Timestamp:         ts,
		InputHash:         "in-" + eventID,
		OutputHash:        "out-" + eventID,
		PreviousEventHash: prev,
		EventHash:         hash,
	}
}

func TestVerifyEventRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := buildEvent(t, "agent-1", "evt-1", ts, nil)
	if !VerifyEvent(e) {
		t.Fatal("expected freshly computed event to verify")
	}
	e.OutputHash = "tampered"
	if VerifyEvent(e) {
		t.Fatal("expected tampered event to fail verification")
	}
}

func TestVerifyChainGenesis(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	genesis := buildEvent(t, "agent-1", "evt-1", ts, nil)
	src := &fakeSource{events: []storage.Event{genesis}}

	result, err := VerifyChain(context.Background(), src, "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid || result.EventsChecked != 1 {
		t.Fatalf("expected valid single-event chain, got %+v", result)
	}
}

func TestVerifyChainTwoEvents(t *testing.T) {
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Second)

	genesis := buildEvent(t, "agent-1", "evt-1", ts1, nil)
	second := buildEvent(t, "agent-1", "evt-2", ts2, &genesis.EventHash)

	src := &fakeSource{events: []storage.Event{genesis, second}}
	result, err := VerifyChain(context.Background(), src, "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid || result.EventsChecked != 2 {
		t.Fatalf("expected valid two-event chain, got %+v", result)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Second)

	genesis := buildEvent(t, "agent-1", "evt-1", ts1, nil)
	second := buildEvent(t, "agent-1", "evt-2", ts2, &genesis.EventHash)
	second.ActionType = "other_action" // mutate content without recomputing hash

	src := &fakeSource{events: []storage.Event{genesis, second}}
	result, err := VerifyChain(context.Background(), src, "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.FirstInvalidEvent != "evt-2" {
		t.Fatalf("expected first invalid event evt-2, got %q", result.FirstInvalidEvent)
	}
	if result.EventsChecked != 2 {
		t.Fatalf("expected 2 events checked before failing, got %d", result.EventsChecked)
	}
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Second)

	genesis := buildEvent(t, "agent-1", "evt-1", ts1, nil)
	wrongPrev := "not-the-real-hash"
	second := buildEvent(t, "agent-1", "evt-2", ts2, &wrongPrev)

	src := &fakeSource{events: []storage.Event{genesis, second}}
	result, err := VerifyChain(context.Background(), src, "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected broken link to be invalid")
	}
	if result.FirstInvalidEvent != "evt-2" {
		t.Fatalf("expected first invalid event evt-2, got %q", result.FirstInvalidEvent)
	}
	if result.Diagnostic != "link mismatch" {
		t.Fatalf("expected link mismatch diagnostic, got %q", result.Diagnostic)
	}
}

func TestVerifyChainWindowedAnchorsOnFirstEventPredecessor(t *testing.T) {
	// An event with no previous_event_hash that starts a window, while an
	// earlier event exists outside the window, still verifies: windowed mode
	// takes the first loaded event's own previous_event_hash as the anchor
	// and never consults HasEarlierEvent.
	ts0 := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	earlier := buildEvent(t, "agent-1", "evt-0", ts0, nil)
	anomalousGenesis := buildEvent(t, "agent-1", "evt-1", ts1, nil)

	// Only the anomalous "genesis" is in the verification window, but the
	// earlier event is visible to HasEarlierEvent via the full store.
	src := &fakeSource{events: []storage.Event{earlier, anomalousGenesis}}
	from := ts1
	result, err := VerifyChain(context.Background(), src, "agent-1", &from, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Windowed mode anchors on the first loaded event's own previous_event_hash,
	// so this doesn't exercise the genesis branch — assert it passes cleanly.
	if !result.Valid {
		t.Fatalf("expected windowed verification to pass, got %+v", result)
	}
}

func TestVerifyChainEmptyRangeIsValid(t *testing.T) {
	src := &fakeSource{}
	result, err := VerifyChain(context.Background(), src, "agent-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid || result.EventsChecked != 0 {
		t.Fatalf("expected valid empty chain, got %+v", result)
	}
}
