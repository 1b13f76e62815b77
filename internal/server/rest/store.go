package rest

import (
	"context"
	"time"

	"github.com/actionledger/ledger/internal/server/storage"
)

// Store is the subset of storage.Store the REST handlers need. It is
// satisfied by both the Postgres and SQLite backends, and by any test
// double that implements these methods — the handlers never need the full
// storage.Store contract (InsertEvent and Tip are only used by the append
// coordinator, Close only by cmd/ledgerd).
//
// It is intentionally shaped so that a Store value also satisfies
// chain.EventSource and reconcile.PrimarySource directly.
type Store interface {
	GetEvent(ctx context.Context, eventID string) (*storage.Event, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.Event, int, error)
	EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]storage.Event, error)
	EventsForDate(ctx context.Context, agentID string, date time.Time) ([]storage.Event, error)
	HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error)
	Ping(ctx context.Context) error
}
