package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the PostgreSQL-backed implementation of Store. It wraps a
// pgxpool connection pool; all operations use the pool's built-in connection
// management rather than holding a dedicated connection, since the per-agent
// append lease (internal/appender) — not a DB-level lock — is what serializes
// concurrent appends for a given agent (spec.md §5).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection to connStr and pings the
// database before returning.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool. Safe to call once the caller is done
// with the store; further use of the store after Close is undefined.
func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// Ping verifies connectivity for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertEvent persists e. A unique_violation (SQLSTATE 23505) on either the
// primary key (event_id) or the event_hash unique index is translated to
// ErrConflict.
func (s *PostgresStore) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events
			(event_id, agent_id, action_type, tool_name, timestamp, environment,
			 model_version, prompt_version, input_hash, output_hash,
			 previous_event_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.EventID, e.AgentID, e.ActionType, e.ToolName, e.Timestamp, e.Environment,
		e.ModelVersion, e.PromptVersion, e.InputHash, e.OutputHash,
		e.PreviousEventHash, e.EventHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert event %s: %w", e.EventID, ErrConflict)
		}
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return nil
}

// isUniqueViolation reports whether err wraps a PostgreSQL unique_violation
// (SQLSTATE 23505). pgconn.PgError implements SQLState() string; matching
// against that method set avoids importing pgconn just for the error type.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// Tip returns the event_hash of the most recent event for agentID.
func (s *PostgresStore) Tip(ctx context.Context, agentID string) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT event_hash
		FROM   events
		WHERE  agent_id = $1
		ORDER  BY timestamp DESC, event_id DESC
		LIMIT  1`, agentID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tip %s: %w", agentID, err)
	}
	return hash, true, nil
}

// HasEarlierEvent reports whether an event orders strictly before
// (before, beforeID) for agentID.
func (s *PostgresStore) HasEarlierEvent(ctx context.Context, agentID string, before time.Time, beforeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM events
			WHERE  agent_id = $1
			AND    (timestamp, event_id) < ($2, $3)
		)`, agentID, before, beforeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has earlier event %s: %w", agentID, err)
	}
	return exists, nil
}

// GetEvent returns the event with the given ID, or ErrNotFound wrapped.
func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	row := s.pool.QueryRow(ctx, eventSelectColumns+`
		FROM   events
		WHERE  event_id = $1`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// ListEvents returns a page of events matching f ordered by timestamp
// descending, plus the total matching count.
func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, int, error) {
	where := "WHERE TRUE"
	args := []any{}
	argIdx := 1

	if f.AgentID != "" {
		where += fmt.Sprintf(" AND agent_id = $%d", argIdx)
		args = append(args, f.AgentID)
		argIdx++
	}
	if f.ActionType != "" {
		where += fmt.Sprintf(" AND action_type = $%d", argIdx)
		args = append(args, f.ActionType)
		argIdx++
	}
	if f.StartTime != nil {
		where += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *f.StartTime)
		argIdx++
	}
	if f.EndTime != nil {
		where += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *f.EndTime)
		argIdx++
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM events " + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
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
	listSQL := fmt.Sprintf("%s %s ORDER BY timestamp DESC, event_id DESC LIMIT $%d OFFSET $%d",
		eventSelectColumns+" FROM events", where, argIdx, argIdx+1)

	rows, err := s.pool.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, total, rows.Err()
}

// EventsInRange returns every event for agentID with timestamp in [from, to]
// (either bound may be nil), ordered ascending for chain verification and
// export.
func (s *PostgresStore) EventsInRange(ctx context.Context, agentID string, from, to *time.Time) ([]Event, error) {
	where := "WHERE agent_id = $1"
	args := []any{agentID}
	argIdx := 2
	if from != nil {
		where += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *from)
		argIdx++
	}
	if to != nil {
		where += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *to)
		argIdx++
	}

	sql := fmt.Sprintf("%s %s ORDER BY timestamp ASC, event_id ASC", eventSelectColumns+" FROM events", where)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("events in range for %s: %w", agentID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventsForDate returns every event for agentID within the UTC calendar day
// of date, ordered ascending.
func (s *PostgresStore) EventsForDate(ctx context.Context, agentID string, date time.Time) ([]Event, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour).Add(-time.Microsecond)
	return s.EventsInRange(ctx, agentID, &start, &end)
}

// eventSelectColumns is the shared SELECT column list used by every query
// that scans a full Event row.
const eventSelectColumns = `SELECT event_id, agent_id, action_type, tool_name, timestamp, environment,
	       model_version, prompt_version, input_hash, output_hash,
	       previous_event_hash, event_hash`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var e Event
	err := r.Scan(
		&e.EventID, &e.AgentID, &e.ActionType, &e.ToolName, &e.Timestamp, &e.Environment,
		&e.ModelVersion, &e.PromptVersion, &e.InputHash, &e.OutputHash,
		&e.PreviousEventHash, &e.EventHash,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
