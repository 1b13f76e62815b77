package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/actionledger/ledger/internal/server/storage"
)

func mkEvent(agentID, eventID string, ts time.Time) storage.Event {
	return storage.Event{
		EventID:    eventID,
		AgentID:    agentID,
		ActionType: "tool_call",
		Timestamp:  ts,
		InputHash:  "a" + eventID,
		OutputHash: "b" + eventID,
		EventHash:  "h" + eventID,
	}
}

func TestWriteAndReadEventsRoundTrip(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ts := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	e1 := mkEvent("agent-1", "evt-1", ts)
	e2 := mkEvent("agent-1", "evt-2", ts.Add(time.Second))

	if err := a.WriteEvent(e1); err != nil {
		t.Fatalf("WriteEvent e1: %v", err)
	}
	if err := a.WriteEvent(e2); err != nil {
		t.Fatalf("WriteEvent e2: %v", err)
	}

	got, err := a.ReadEvents("agent-1", ts)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].EventID != "evt-1" || got[1].EventID != "evt-2" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Fatalf("timestamp round trip mismatch: got %v want %v", got[0].Timestamp, ts)
	}
}

func TestReadEventsMissingFileReturnsNilNoError(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := a.ReadEvents("agent-none", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil events for unwritten day, got %v", got)
	}
}

func TestWriteEventRejectsUnsafeAgentID(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := mkEvent("../../etc", "evt-1", time.Now())
	if err := a.WriteEvent(e); err == nil {
		t.Fatal("expected error for path-unsafe agent_id")
	}
}

func TestArchivePathLayout(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	if err := a.WriteEvent(mkEvent("agent-1", "evt-1", ts)); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	want := filepath.Join(root, "agent-1", "2026-07-29.jsonl")
	if _, err := a.pathFor("agent-1", ts); err != nil {
		t.Fatalf("pathFor: %v", err)
	}
	got, _ := a.pathFor("agent-1", ts)
	if got != want {
		t.Fatalf("got path %q, want %q", got, want)
	}
}

func TestCheckHealth(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.CheckHealth(); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
}
