package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/actionledger/ledger/internal/server/storage"
)

// ComputeHash returns the lowercase hex SHA-256 digest of Canonicalize(f),
// implementing the compute_hash operation of spec.md §4.2.
func ComputeHash(f Fields) string {
	sum := sha256.Sum256(Canonicalize(f))
	return hex.EncodeToString(sum[:])
}

// FieldsOf extracts the eleven hashable fields from a storage.Event.
func FieldsOf(e storage.Event) Fields {
	return Fields{
		ActionType:        e.ActionType,
		AgentID:           e.AgentID,
		Environment:       e.Environment,
		EventID:           e.EventID,
		InputHash:         e.InputHash,
		ModelVersion:      e.ModelVersion,
		OutputHash:        e.OutputHash,
		PreviousEventHash: e.PreviousEventHash,
		PromptVersion:     e.PromptVersion,
		Timestamp:         e.Timestamp,
		ToolName:          e.ToolName,
	}
}

// VerifyEvent reports whether e.EventHash matches the hash recomputed from
// e's own hashable fields (spec.md §4.2 verify_event).
func VerifyEvent(e storage.Event) bool {
	return ComputeHash(FieldsOf(e)) == e.EventHash
}

// Result is the outcome of VerifyChain: the (valid, checked, first_bad_id,
// diagnostic) tuple of spec.md §4.2.
type Result struct {
	Valid             bool
	EventsChecked     int
	FirstInvalidEvent string // empty when Valid
	Diagnostic        string // empty when Valid
}

// EventSource is the subset of storage.Store that VerifyChain needs: ordered
// retrieval of an agent's events in a window, plus the predicate used to
// resolve the genesis anomaly of spec.md §4.2 step 4.
type EventSource interface {
	EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]storage.Event, error)
	HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error)
}

// VerifyChain implements the verification algorithm of spec.md §4.2.
//
// When from is nil, verification runs in full-chain mode: the first event
// is expected to be the genesis (no previous_event_hash) unless an earlier
// event exists in the store, in which case the anomaly is tolerated (see the
// Open Question in spec.md §9, resolved in DESIGN.md).
//
// When from is non-nil, verification runs in windowed mode: the window is
// anchored on the first loaded event's own claimed previous_event_hash,
// rather than requiring a genesis.
func VerifyChain(ctx context.Context, src EventSource, agentID string, from, to *time.Time) (Result, error) {
	events, err := src.EventsInRange(ctx, agentID, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("chain: load events for %s: %w", agentID, err)
	}
	if len(events) == 0 {
		return Result{Valid: true}, nil
	}

	windowed := from != nil
	var expectedPrev *string
	if windowed {
		expectedPrev = events[0].PreviousEventHash
	}

	for i, e := range events {
		checked := i + 1

		if !VerifyEvent(e) {
			return Result{
				Valid:             false,
				EventsChecked:     checked,
				FirstInvalidEvent: e.EventID,
				Diagnostic:        "content hash mismatch",
			}, nil
		}

		switch {
		case i == 0 && !windowed:
			if e.PreviousEventHash != nil {
				hasEarlier, err := src.HasEarlierEvent(ctx, agentID, e.Timestamp, e.EventID)
				if err != nil {
					return Result{}, fmt.Errorf("chain: check earlier event for %s: %w", agentID, err)
				}
				if !hasEarlier {
					return Result{
						Valid:             false,
						EventsChecked:     checked,
						FirstInvalidEvent: e.EventID,
						Diagnostic:        "genesis must have no predecessor",
					}, nil
				}
			}
		default:
			if !equalOptionalHash(e.PreviousEventHash, expectedPrev) {
				return Result{
					Valid:             false,
					EventsChecked:     checked,
					FirstInvalidEvent: e.EventID,
					Diagnostic:        "link mismatch",
				}, nil
			}
		}

		hash := e.EventHash
		expectedPrev = &hash
	}

	return Result{Valid: true, EventsChecked: len(events)}, nil
}

func equalOptionalHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
