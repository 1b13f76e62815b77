// Package export implements S4: streaming CSV/JSON dumps of events for the
// GET /export endpoint, matching the field list and wrapper shape of the
// original implementation's export routes.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/actionledger/ledger/internal/chain"
	"github.com/actionledger/ledger/internal/server/storage"
)

// Format selects the export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// csvColumns is the fixed column order for CSV export.
var csvColumns = []string{
	"event_id", "agent_id", "action_type", "tool_name", "timestamp",
	"environment", "model_version", "prompt_version", "input_hash",
	"output_hash", "previous_event_hash", "event_hash",
}

// FileName returns the Content-Disposition attachment filename for the
// given format, stamped with now (UTC).
func FileName(format Format, now time.Time) string {
	stamp := now.UTC().Format("20060102_150405")
	ext := "json"
	if format == FormatCSV {
		ext = "csv"
	}
	return fmt.Sprintf("events_export_%s.%s", stamp, ext)
}

// ContentType returns the MIME type for the given format.
func ContentType(format Format) string {
	if format == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// WriteCSV streams events as CSV with a header row, in the fixed column
// order used by the original implementation. Optional fields render as the
// empty string rather than a literal "null".
func WriteCSV(w io.Writer, events []storage.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.EventID,
			e.AgentID,
			e.ActionType,
			orEmpty(e.ToolName),
			chain.FormatTimestamp(e.Timestamp),
			orEmpty(e.Environment),
			orEmpty(e.ModelVersion),
			orEmpty(e.PromptVersion),
			e.InputHash,
			e.OutputHash,
			orEmpty(e.PreviousEventHash),
			e.EventHash,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write csv row %s: %w", e.EventID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// jsonDocument is the wrapper shape of a JSON export: exported_at, a total
// count, and the events themselves.
type jsonDocument struct {
	ExportedAt  string       `json:"exported_at"`
	TotalEvents int          `json:"total_events"`
	Events      []jsonRecord `json:"events"`
}

type jsonRecord struct {
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

// WriteJSON streams events as a single indented JSON document with an
// exported_at timestamp and total_events count wrapping the event array.
func WriteJSON(w io.Writer, events []storage.Event, exportedAt time.Time) error {
	doc := jsonDocument{
		ExportedAt:  chain.FormatTimestamp(exportedAt),
		TotalEvents: len(events),
		Events:      make([]jsonRecord, len(events)),
	}
	for i, e := range events {
		doc.Events[i] = jsonRecord{
			EventID:           e.EventID,
			AgentID:           e.AgentID,
			ActionType:        e.ActionType,
			ToolName:          e.ToolName,
			Timestamp:         chain.FormatTimestamp(e.Timestamp),
			Environment:       e.Environment,
			ModelVersion:      e.ModelVersion,
			PromptVersion:     e.PromptVersion,
			InputHash:         e.InputHash,
			OutputHash:        e.OutputHash,
			PreviousEventHash: e.PreviousEventHash,
			EventHash:         e.EventHash,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export: encode json: %w", err)
	}
	return nil
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
