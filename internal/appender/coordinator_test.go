package appender

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/actionledger/ledger/internal/chain"
	"github.com/actionledger/ledger/internal/server/storage"
)

// memStore is a minimal in-memory storage.Store for coordinator tests. Only
// the methods the coordinator and chain verification actually exercise are
// meaningfully implemented.
type memStore struct {
	mu     sync.Mutex
	events map[string][]storage.Event // agentID -> events in insertion order
	hashes map[string]bool
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string][]storage.Event), hashes: make(map[string]bool)}
}

func (s *memStore) InsertEvent(ctx context.Context, e storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[e.EventHash] {
		return fmt.Errorf("dup: %w", storage.ErrConflict)
	}
	s.hashes[e.EventHash] = true
	s.events[e.AgentID] = append(s.events[e.AgentID], e)
	return nil
}

func (s *memStore) Tip(ctx context.Context, agentID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[agentID]
	if len(evs) == 0 {
		return "", false, nil
	}
	best := evs[0]
	for _, e := range evs[1:] {
		if e.Timestamp.After(best.Timestamp) || (e.Timestamp.Equal(best.Timestamp) && e.EventID > best.EventID) {
			best = e
		}
	}
	return best.EventHash, true, nil
}

func (s *memStore) HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[agentID] {
		if e.Timestamp.Before(before) || (e.Timestamp.Equal(before) && e.EventID < beforeID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetEvent(ctx context.Context, eventID string) (*storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evs := range s.events {
		for _, e := range evs {
			if e.EventID == eventID {
				cp := e
				return &cp, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, int, error) {
	return nil, 0, nil
}

// EventsInRange returns events ordered by (timestamp, event_id) ascending,
// matching postgres.go and sqlite.go's ORDER BY — not insertion order — so
// that tests against memStore exercise the same re-sort VerifyChain sees
// against a real backend.
func (s *memStore) EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]storage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]storage.Event{}, s.events[agentID]...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func (s *memStore) EventsForDate(ctx context.Context, agentID string, date time.Time) ([]storage.Event, error) {
	return s.EventsInRange(ctx, agentID, nil, nil)
}

func (s *memStore) Ping(ctx context.Context) error  { return nil }
func (s *memStore) Close(ctx context.Context) error { return nil }

// memArchive records every write; it never fails, but failingArchive below
// does, to exercise the ArchiveDegraded path.
type memArchive struct {
	mu     sync.Mutex
	events []storage.Event
}

func (a *memArchive) WriteEvent(e storage.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}
func (a *memArchive) ReadEvents(agentID string, date time.Time) ([]storage.Event, error) {
	return nil, nil
}
func (a *memArchive) CheckHealth() error { return nil }

type failingArchive struct{}

func (failingArchive) WriteEvent(e storage.Event) error { return fmt.Errorf("disk full") }
func (failingArchive) ReadEvents(agentID string, date time.Time) ([]storage.Event, error) {
	return nil, nil
}
func (failingArchive) CheckHealth() error { return fmt.Errorf("disk full") }

func TestAppendGenesis(t *testing.T) {
	store := newMemStore()
	arc := &memArchive{}
	c := New(store, arc, nil)

	e, err := c.Append(context.Background(), Payload{
		AgentID:    "a1",
		ActionType: "llm_call",
		InputHash:  "0000000000000000000000000000000000000000000000000000000000000000"[:64],
		OutputHash: "1111111111111111111111111111111111111111111111111111111111111111"[:64],
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.PreviousEventHash != nil {
		t.Fatalf("expected genesis event, got previous_event_hash=%v", *e.PreviousEventHash)
	}
	if e.EventHash != chain.ComputeHash(chain.FieldsOf(e)) {
		t.Fatal("event_hash does not match recomputed hash")
	}
	if len(arc.events) != 1 {
		t.Fatalf("expected 1 archived event, got %d", len(arc.events))
	}
}

func TestAppendLinksToTip(t *testing.T) {
	store := newMemStore()
	arc := &memArchive{}
	c := New(store, arc, nil)
	ctx := context.Background()

	first, err := c.Append(ctx, Payload{AgentID: "a1", ActionType: "llm_call", InputHash: "0000000000000000000000000000000000000000000000000000000000000000"[:64], OutputHash: "1111111111111111111111111111111111111111111111111111111111111111"[:64]})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := c.Append(ctx, Payload{AgentID: "a1", ActionType: "llm_call", InputHash: "2222222222222222222222222222222222222222222222222222222222222222"[:64], OutputHash: "3333333333333333333333333333333333333333333333333333333333333333"[:64]})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}

	if second.PreviousEventHash == nil || *second.PreviousEventHash != first.EventHash {
		t.Fatalf("expected second event to link to first, got %+v", second.PreviousEventHash)
	}
}

func TestAppendArchiveFailureDoesNotFailRequest(t *testing.T) {
	store := newMemStore()
	c := New(store, failingArchive{}, nil)

	_, err := c.Append(context.Background(), Payload{
		AgentID:    "a1",
		ActionType: "llm_call",
		InputHash:  "0000000000000000000000000000000000000000000000000000000000000000"[:64],
		OutputHash: "1111111111111111111111111111111111111111111111111111111111111111"[:64],
	})
	if err != nil {
		t.Fatalf("expected success despite archive failure, got %v", err)
	}
}

func TestAppendConcurrentSameAgentProducesLinearChain(t *testing.T) {
	store := newMemStore()
	c := New(store, &memArchive{}, nil)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Append(ctx, Payload{
				AgentID:    "a2",
				ActionType: "llm_call",
				InputHash:  fmt.Sprintf("%064d", i),
				OutputHash: fmt.Sprintf("%064d", i+1),
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	events := store.events["a2"]
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}

	hashes := make(map[string]bool)
	prevCount := make(map[string]int)
	for _, e := range events {
		hashes[e.EventHash] = true
		if e.PreviousEventHash != nil {
			prevCount[*e.PreviousEventHash]++
		}
	}
	if len(hashes) != n {
		t.Fatalf("expected %d distinct event hashes, got %d", n, len(hashes))
	}
	for prev, count := range prevCount {
		if count != 1 {
			t.Fatalf("previous_event_hash %q referenced by %d events, expected a line not a tree", prev, count)
		}
	}

	// A line is not enough: the re-sorted (timestamp, event_id) order that
	// VerifyChain reads via EventsInRange must also match the linkage
	// order, or every concurrent append reintroduces spurious "link
	// mismatch" failures.
	result, err := chain.VerifyChain(ctx, store, "a2", nil, nil)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain for a2, got invalid at %s: %s", result.FirstInvalidEvent, result.Diagnostic)
	}
	if result.EventsChecked != n {
		t.Fatalf("expected %d events checked, got %d", n, result.EventsChecked)
	}
}

func TestAppendConflictIsFatal(t *testing.T) {
	store := newMemStore()
	c := New(store, &memArchive{}, nil)
	ctx := context.Background()

	payload := Payload{
		AgentID:    "a1",
		ActionType: "llm_call",
		InputHash:  "0000000000000000000000000000000000000000000000000000000000000000"[:64],
		OutputHash: "1111111111111111111111111111111111111111111111111111111111111111"[:64],
	}
	first, err := c.Append(ctx, payload)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Re-inserting the committed event trips the store's event_hash
	// uniqueness check, which reports storage.ErrConflict.
	if err := store.InsertEvent(ctx, first); err == nil {
		t.Fatal("expected conflict error on duplicate event_hash insert")
	}

	// Append must surface that storage.ErrConflict as ErrConflict.
	_, err = New(conflictStore{store}, &memArchive{}, nil).Append(ctx, payload)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict from Append, got %v", err)
	}
}

// conflictStore rejects every insert as a duplicate.
type conflictStore struct{ *memStore }

func (conflictStore) InsertEvent(ctx context.Context, e storage.Event) error {
	return fmt.Errorf("dup: %w", storage.ErrConflict)
}
