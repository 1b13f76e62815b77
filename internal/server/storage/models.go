// Package storage provides the persistence layer for the AI action ledger.
// It defines the Event model, the Store contract consumed by the hash-chain
// core, and two concrete backends: a PostgreSQL implementation (pgx) for
// production and a SQLite implementation (modernc.org/sqlite) for tests and
// single-binary deployments that have no Docker/Postgres available.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by GetEvent when no event matches the requested ID.
var ErrNotFound = errors.New("storage: event not found")

// ErrConflict is returned by InsertEvent when event_id or event_hash already
// exists. Per spec.md §7, a conflict is fatal for the append in progress;
// the caller must not retry with the same generated identifiers.
var ErrConflict = errors.New("storage: event_id or event_hash already exists")

// Event is the immutable record described in spec.md §3. Once persisted, no
// field is ever mutated (invariant I1); Store implementations must never
// expose an update path for this type.
type Event struct {
	EventID           string    `json:"event_id"`
	AgentID           string    `json:"agent_id"`
	ActionType        string    `json:"action_type"`
	ToolName          *string   `json:"tool_name"`
	Timestamp         time.Time `json:"timestamp"`
	Environment       *string   `json:"environment"`
	ModelVersion      *string   `json:"model_version"`
	PromptVersion     *string   `json:"prompt_version"`
	InputHash         string    `json:"input_hash"`
	OutputHash        string    `json:"output_hash"`
	PreviousEventHash *string   `json:"previous_event_hash"`
	EventHash         string    `json:"event_hash"`
}

// EventFilter carries the filter and pagination parameters for ListEvents.
// Page is 1-based; PageSize defaults to 50 and is capped at 1000 by the REST
// layer before it ever reaches the store (spec.md §6.1).
type EventFilter struct {
	AgentID    string
	ActionType string
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}
