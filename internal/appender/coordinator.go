// Package appender implements C3, the append coordinator: the only
// component that may mint new events. It generates server-side identity
// (event_id, timestamp), links each event to its agent's current tip,
// commits it to the primary store, and opportunistically mirrors it to the
// archive.
package appender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actionledger/ledger/internal/archive"
	"github.com/actionledger/ledger/internal/chain"
	"github.com/actionledger/ledger/internal/server/storage"
)

// ErrConflict is returned when the primary store rejects an insert as a
// duplicate event_id or event_hash (spec.md §7 ConflictError). The caller
// must not retry with the same payload; this is treated as fatal for the
// request in flight.
var ErrConflict = errors.New("append: conflict, event_id or event_hash already exists")

// Payload is user-validated input with no server-assigned identity: no
// timestamp, no event_id, no hashes (spec.md §4.3).
type Payload struct {
	AgentID       string
	ActionType    string
	ToolName      *string
	Environment   *string
	ModelVersion  *string
	PromptVersion *string
	InputHash     string
	OutputHash    string
}

// leaseMap is a sharded keyed-mutex map: one lock per agent_id, created
// lazily and never removed, guaranteeing that at most one append is in
// flight for a given agent_id at any instant (spec.md §5, in-process
// strategy). Its single guarding mutex only ever protects map lookups, not
// the critical section itself, so cross-agent appends never contend.
type leaseMap struct {
	mu     sync.Mutex
	leases map[string]*sync.Mutex
}

func newLeaseMap() *leaseMap {
	return &leaseMap{leases: make(map[string]*sync.Mutex)}
}

func (l *leaseMap) acquire(agentID string) func() {
	l.mu.Lock()
	lease, ok := l.leases[agentID]
	if !ok {
		lease = &sync.Mutex{}
		l.leases[agentID] = lease
	}
	l.mu.Unlock()

	lease.Lock()
	return lease.Unlock
}

// Coordinator is C3. Construct one with New and share it across all request
// handlers; it is safe for concurrent use.
type Coordinator struct {
	store   storage.Store
	archive archive.Writer
	leases  *leaseMap
	log     *slog.Logger
}

// New builds a Coordinator bound to store and archiveWriter. log may be nil,
// in which case slog.Default() is used.
func New(store storage.Store, archiveWriter archive.Writer, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:   store,
		archive: archiveWriter,
		leases:  newLeaseMap(),
		log:     log,
	}
}

// Append implements the seven steps of spec.md §4.3. The returned Event is
// the fully-linked, persisted row. ArchiveDegraded is never returned as an
// error: an archive write failure is logged and the request still succeeds,
// per spec.md §7's propagation policy.
func (c *Coordinator) Append(ctx context.Context, p Payload) (storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return storage.Event{}, fmt.Errorf("append: %w", err)
	}

	release := c.leases.acquire(p.AgentID)
	defer release()

	// event_id and timestamp must be sampled inside the lease: the spec's
	// tip-read guarantee ("the newly written event orders after the read
	// tip") only holds if no other append for this agent can interleave
	// between sampling identity and reading the tip.
	eventID := uuid.NewString()
	timestamp := time.Now().UTC().Truncate(time.Microsecond)

	prevHash, hasPrev, err := c.store.Tip(ctx, p.AgentID)
	if err != nil {
		return storage.Event{}, fmt.Errorf("append: read tip for %s: %w", p.AgentID, err)
	}

	var previousEventHash *string
	if hasPrev {
		previousEventHash = &prevHash
	}

	fields := chain.Fields{
		ActionType:        p.ActionType,
		AgentID:           p.AgentID,
		Environment:       p.Environment,
		EventID:           eventID,
		InputHash:         p.InputHash,
		ModelVersion:      p.ModelVersion,
		OutputHash:        p.OutputHash,
		PreviousEventHash: previousEventHash,
		PromptVersion:     p.PromptVersion,
		Timestamp:         timestamp,
		ToolName:          p.ToolName,
	}
	eventHash := chain.ComputeHash(fields)

	event := storage.Event{
		EventID:           eventID,
		AgentID:           p.AgentID,
		ActionType:        p.ActionType,
		ToolName:          p.ToolName,
		Timestamp:         timestamp,
		Environment:       p.Environment,
		ModelVersion:      p.ModelVersion,
		PromptVersion:     p.PromptVersion,
		InputHash:         p.InputHash,
		OutputHash:        p.OutputHash,
		PreviousEventHash: previousEventHash,
		EventHash:         eventHash,
	}

	if err := c.store.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Event{}, fmt.Errorf("%w: %s", ErrConflict, eventID)
		}
		return storage.Event{}, fmt.Errorf("append: commit event %s: %w", eventID, err)
	}

	// Archive write is opportunistic and not cancellable by ctx once the
	// commit has succeeded (spec.md §5 "Cancellation and timeouts").
	if err := c.archive.WriteEvent(event); err != nil {
		c.log.Error("archive write failed, event committed to primary store only",
			"agent_id", p.AgentID, "event_id", eventID, "error", err)
	}

	return event, nil
}
