package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQLiteStore is a WAL-mode SQLite-backed implementation of Store, intended
// for local development and tests where a PostgreSQL instance isn't
// available. It mirrors PostgresStore's semantics exactly: the append
// coordinator (internal/appender) does not care which backend it is talking
// to.
//
// Unlike the in-process per-agent mutex lease that internal/appender uses by
// default, SQLiteStore additionally demonstrates the alternative strategy
// spec.md §5 allows: InsertEventAfterTip runs the tip-read and the insert
// inside a single BEGIN IMMEDIATE transaction, which SQLite serializes
// against all other writers. That makes SQLiteStore safe to use even from
// multiple processes sharing the same database file, independent of the
// in-process lease.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. Pass ":memory:" for an ephemeral
// database suitable for unit tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	// SQLite allows a single writer at a time; restricting the pool to one
	// connection means every write serializes through that connection
	// instead of failing with "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS events (
    event_id            TEXT PRIMARY KEY,
    agent_id            TEXT NOT NULL,
    action_type         TEXT NOT NULL,
    tool_name           TEXT,
    timestamp           TEXT NOT NULL,
    environment         TEXT,
    model_version       TEXT,
    prompt_version      TEXT,
    input_hash          TEXT NOT NULL,
    output_hash         TEXT NOT NULL,
    previous_event_hash TEXT,
    event_hash          TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_events_agent_ts ON events (agent_id, timestamp, event_id);
`

// Close closes the underlying database connection.
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping verifies connectivity for health reporting.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvent persists e. A UNIQUE constraint violation on event_id or
// event_hash is translated to ErrConflict.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
			(event_id, agent_id, action_type, tool_name, timestamp, environment,
			 model_version, prompt_version, input_hash, output_hash,
			 previous_event_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.AgentID, e.ActionType, e.ToolName, formatSQLiteTime(e.Timestamp), e.Environment,
		e.ModelVersion, e.PromptVersion, e.InputHash, e.OutputHash,
		e.PreviousEventHash, e.EventHash,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("insert event %s: %w", e.EventID, ErrConflict)
		}
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return nil
}

// InsertEventAfterTip demonstrates the serializable-transaction append
// strategy of spec.md §5: it reads the current tip for agentID and inserts e
// inside a single BEGIN IMMEDIATE transaction, so no other writer can
// interleave between the read and the insert. build constructs the event
// given the observed previous hash (empty string, !ok means genesis).
//
// Nothing in cmd/ledgerd wires this in: internal/appender always uses the
// in-process keyed-mutex lease, which works across both backends. Only
// sqlite_test.go exercises this method today. A deployment that runs
// multiple server processes against one shared SQLite file would need to
// call this instead of (or in addition to) the in-process lease.
func (s *SQLiteStore) InsertEventAfterTip(ctx context.Context, agentID string, build func(prevHash string, ok bool) Event) (Event, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	// BEGIN IMMEDIATE grabs the RESERVED lock up front instead of on first
	// write, so the tip-read below cannot race with another connection's
	// append the way a plain BEGIN (deferred) would allow.
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return Event{}, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	var prevHash string
	var ok bool
	row := conn.QueryRowContext(ctx, `
		SELECT event_hash FROM events
		WHERE  agent_id = ?
		ORDER  BY timestamp DESC, event_id DESC
		LIMIT  1`, agentID)
	switch err := row.Scan(&prevHash); {
	case errors.Is(err, sql.ErrNoRows):
		ok = false
	case err != nil:
		return Event{}, fmt.Errorf("tip %s: %w", agentID, err)
	default:
		ok = true
	}

	e := build(prevHash, ok)

	_, err = conn.ExecContext(ctx, `
		INSERT INTO events
			(event_id, agent_id, action_type, tool_name, timestamp, environment,
			 model_version, prompt_version, input_hash, output_hash,
			 previous_event_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.AgentID, e.ActionType, e.ToolName, formatSQLiteTime(e.Timestamp), e.Environment,
		e.ModelVersion, e.PromptVersion, e.InputHash, e.OutputHash,
		e.PreviousEventHash, e.EventHash,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return Event{}, fmt.Errorf("insert event %s: %w", e.EventID, ErrConflict)
		}
		return Event{}, fmt.Errorf("insert event %s: %w", e.EventID, err)
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return Event{}, fmt.Errorf("commit append for %s: %w", agentID, err)
	}
	committed = true
	return e, nil
}

func isSQLiteUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps the underlying sqlite3 result code in its
	// error message; the driver does not expose a typed error for it, so a
	// substring check against the standard SQLite error text is used, the
	// same approach other database/sql drivers without a typed error force
	// callers to take.
	return containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(msg string) bool {
	const marker = "UNIQUE constraint failed"
	for i := 0; i+len(marker) <= len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

// formatSQLiteTime renders t in a fixed-width, lexicographically-sortable
// UTC form so that ORDER BY timestamp on a TEXT column agrees with
// chronological order.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000000Z", s)
}

// Tip returns the event_hash of the most recent event for agentID.
func (s *SQLiteStore) Tip(ctx context.Context, agentID string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_hash FROM events
		WHERE  agent_id = ?
		ORDER  BY timestamp DESC, event_id DESC
		LIMIT  1`, agentID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tip %s: %w", agentID, err)
	}
	return hash, true, nil
}

// HasEarlierEvent reports whether an event orders strictly before
// (before, beforeID) for agentID.
func (s *SQLiteStore) HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM events
			WHERE  agent_id = ?
			AND    (timestamp < ? OR (timestamp = ? AND event_id < ?))
		)`, agentID, formatSQLiteTime(before), formatSQLiteTime(before), beforeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has earlier event %s: %w", agentID, err)
	}
	return exists, nil
}

// GetEvent returns the event with the given ID, or ErrNotFound wrapped.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectColumns+` FROM events WHERE event_id = ?`, eventID)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// ListEvents returns a page of events matching f ordered by timestamp
// descending, plus the total matching count.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, int, error) {
	where := "WHERE 1=1"
	args := []any{}

	if f.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.ActionType != "" {
		where += " AND action_type = ?"
		args = append(args, f.ActionType)
	}
	if f.StartTime != nil {
		where += " AND timestamp >= ?"
		args = append(args, formatSQLiteTime(*f.StartTime))
	}
	if f.EndTime != nil {
		where += " AND timestamp <= ?"
		args = append(args, formatSQLiteTime(*f.EndTime))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	listArgs := append(append([]any{}, args...), pageSize, offset)
	query := fmt.Sprintf("%s %s ORDER BY timestamp DESC, event_id DESC LIMIT ? OFFSET ?", sqliteSelectColumns+" FROM events", where)

	rows, err := s.db.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, total, rows.Err()
}

// EventsInRange returns every event for agentID with timestamp in [from, to]
// (either bound may be nil), ordered ascending.
func (s *SQLiteStore) EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]Event, error) {
	where := "WHERE agent_id = ?"
	args := []any{agentID}
	if from != nil {
		where += " AND timestamp >= ?"
		args = append(args, formatSQLiteTime(*from))
	}
	if to != nil {
		where += " AND timestamp <= ?"
		args = append(args, formatSQLiteTime(*to))
	}

	query := fmt.Sprintf("%s %s ORDER BY timestamp ASC, event_id ASC", sqliteSelectColumns+" FROM events", where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events in range for %s: %w", agentID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventsForDate returns every event for agentID within the UTC calendar day
// of date, ordered ascending.
func (s *SQLiteStore) EventsForDate(ctx context.Context, agentID string, date time.Time) ([]Event, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour).Add(-time.Microsecond)
	return s.EventsInRange(ctx, agentID, &start, &end)
}

const sqliteSelectColumns = `SELECT event_id, agent_id, action_type, tool_name, timestamp, environment,
	       model_version, prompt_version, input_hash, output_hash,
	       previous_event_hash, event_hash`

type sqliteRowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(r sqliteRowScanner) (*Event, error) {
	var e Event
	var ts string
	err := r.Scan(
		&e.EventID, &e.AgentID, &e.ActionType, &e.ToolName, &ts, &e.Environment,
		&e.ModelVersion, &e.PromptVersion, &e.InputHash, &e.OutputHash,
		&e.PreviousEventHash, &e.EventHash,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp, err = parseSQLiteTime(ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	return &e, nil
}
