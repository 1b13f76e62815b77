// Package archive implements S3, the append-only per-agent-per-day archive
// sink that the append coordinator (internal/appender) dual-writes to after
// every committed event, and that the reconciler (internal/reconcile) reads
// back for cross-store verification.
//
// Files live at <root>/<agent_id>/<YYYY-MM-DD>.jsonl. Each line is one event
// encoded as a compact JSON object (no whitespace) in field-insertion order;
// files are opened O_APPEND so a write can never clobber an existing line.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/actionledger/ledger/internal/server/storage"
)

// agentIDPattern mirrors the REST-layer validation rule. The pattern alone
// admits "." and "..", so pathFor rejects those two as well; together they
// keep a malformed agent_id from escaping the archive root (spec.md §6.2).
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Writer is the archive sink contract. It is intentionally small — a single
// local-file implementation is in scope; spec.md §9 notes a future backend
// (e.g. object storage) would implement the same interface.
type Writer interface {
	WriteEvent(e storage.Event) error
	ReadEvents(agentID string, date time.Time) ([]storage.Event, error)
	CheckHealth() error
}

// record is the on-disk shape of one archive line: the 12 fields of
// spec.md §3 in insertion order. It is a distinct type from storage.Event so
// that the archive's wire format stays stable even if Event's Go field order
// changes.
type record struct {
	EventID           string  `json:"event_id"`
	AgentID           string  `json:"agent_id"`
	ActionType        string  `json:"action_type"`
	ToolName          *string `json:"tool_name"`
	Timestamp         string  `json:"timestamp"`
	Environment       *string `json:"environment"`
	ModelVersion      *string `json:"model_version"`
	PromptVersion     *string `json:"prompt_version"`
	InputHash         string  `json:"input_hash"`
	OutputHash        string  `json:"output_hash"`
	PreviousEventHash *string `json:"previous_event_hash"`
	EventHash         string  `json:"event_hash"`
}

// FileArchive is the local-filesystem Writer implementation.
type FileArchive struct {
	root string
}

// Open creates root (and any missing parents) and returns a FileArchive
// rooted there.
func Open(root string) (*FileArchive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create root %q: %w", root, err)
	}
	return &FileArchive{root: root}, nil
}

// pathFor returns the archive file path for agentID on the UTC calendar day
// of ts, creating the agent's directory if needed.
func (a *FileArchive) pathFor(agentID string, ts time.Time) (string, error) {
	if !agentIDPattern.MatchString(agentID) || agentID == "." || agentID == ".." {
		return "", fmt.Errorf("archive: invalid agent_id %q", agentID)
	}
	dir := filepath.Join(a.root, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: create agent dir %q: %w", dir, err)
	}
	return filepath.Join(dir, ts.UTC().Format("2006-01-02")+".jsonl"), nil
}

// WriteEvent appends e to the archive file for (e.AgentID, date(e.Timestamp)).
// Per spec.md §4.3 step 6, this is opportunistic: a caller treats failure as
// a non-fatal ArchiveDegraded condition, never as grounds to roll back the
// primary-store commit that already succeeded.
func (a *FileArchive) WriteEvent(e storage.Event) error {
	path, err := a.pathFor(e.AgentID, e.Timestamp)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %q: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(toRecord(e))
	if err != nil {
		return fmt.Errorf("archive: marshal event %s: %w", e.EventID, err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("archive: write event %s: %w", e.EventID, err)
	}
	return nil
}

// ReadEvents returns every event recorded in the archive file for
// (agentID, date). A missing file is not an error; it yields a nil slice,
// matching the original implementation's treatment of an unwritten day.
func (a *FileArchive) ReadEvents(agentID string, date time.Time) ([]storage.Event, error) {
	path, err := a.pathFor(agentID, date)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", path, err)
	}
	defer f.Close()

	var events []storage.Event
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("archive: malformed line in %q: %w", path, err)
		}
		e, err := fromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("archive: %q: %w", path, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: scan %q: %w", path, err)
	}
	return events, nil
}

// CheckHealth verifies the archive root is writable, for /health reporting.
func (a *FileArchive) CheckHealth() error {
	probe := filepath.Join(a.root, ".health_check")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("archive: health check: %w", err)
	}
	f.Close()
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("archive: health check cleanup: %w", err)
	}
	return nil
}

func toRecord(e storage.Event) record {
	return record{
		EventID:           e.EventID,
		AgentID:           e.AgentID,
		ActionType:        e.ActionType,
		ToolName:          e.ToolName,
		Timestamp:         e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000+00:00"),
		Environment:       e.Environment,
		ModelVersion:      e.ModelVersion,
		PromptVersion:     e.PromptVersion,
		InputHash:         e.InputHash,
		OutputHash:        e.OutputHash,
		PreviousEventHash: e.PreviousEventHash,
		EventHash:         e.EventHash,
	}
}

func fromRecord(r record) (storage.Event, error) {
	ts, err := time.Parse("2006-01-02T15:04:05.000000+00:00", r.Timestamp)
	if err != nil {
		return storage.Event{}, fmt.Errorf("parse timestamp %q: %w", r.Timestamp, err)
	}
	return storage.Event{
		EventID:           r.EventID,
		AgentID:           r.AgentID,
		ActionType:        r.ActionType,
		ToolName:          r.ToolName,
		Timestamp:         ts,
		Environment:       r.Environment,
		ModelVersion:      r.ModelVersion,
		PromptVersion:     r.PromptVersion,
		InputHash:         r.InputHash,
		OutputHash:        r.OutputHash,
		PreviousEventHash: r.PreviousEventHash,
		EventHash:         r.EventHash,
	}, nil
}
