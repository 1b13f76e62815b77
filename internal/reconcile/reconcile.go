// Package reconcile implements C4, the read-only cross-check between the
// primary store and the archive for a given agent and calendar day.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/actionledger/ledger/internal/archive"
	"github.com/actionledger/ledger/internal/server/storage"
)

// Report is the reconciliation result returned by GET /verify/archive.
type Report struct {
	AgentID          string `json:"agent_id"`
	Date             string `json:"date"`
	IsValid          bool   `json:"is_valid"`
	DBEvents         int    `json:"db_events"`
	ArchiveEvents    int    `json:"archive_events"`
	MissingInArchive int    `json:"missing_in_archive"`
	Mismatches       int    `json:"mismatches"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// PrimarySource is the subset of storage.Store that Reconcile needs.
type PrimarySource interface {
	EventsForDate(ctx context.Context, agentID string, date time.Time) ([]storage.Event, error)
}

// Reconcile implements the algorithm of spec.md §4.4: it never mutates
// either store, and does not detect archive-only events (documented open
// question, spec.md §9).
func Reconcile(ctx context.Context, store PrimarySource, arc archive.Writer, agentID string, date time.Time) (Report, error) {
	dbEvents, err := store.EventsForDate(ctx, agentID, date)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: load primary events for %s: %w", agentID, err)
	}

	archiveEvents, err := arc.ReadEvents(agentID, date)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: load archive events for %s: %w", agentID, err)
	}

	byHash := make(map[string]storage.Event, len(archiveEvents))
	for _, e := range archiveEvents {
		byHash[e.EventHash] = e
	}

	report := Report{
		AgentID:       agentID,
		Date:          date.UTC().Format("2006-01-02"),
		DBEvents:      len(dbEvents),
		ArchiveEvents: len(archiveEvents),
	}

	for _, e := range dbEvents {
		archived, ok := byHash[e.EventHash]
		if !ok {
			report.MissingInArchive++
			continue
		}
		if archived.EventID != e.EventID {
			report.Mismatches++
		}
	}

	report.IsValid = report.MissingInArchive == 0 && report.Mismatches == 0
	if !report.IsValid {
		var parts []string
		if report.MissingInArchive > 0 {
			parts = append(parts, fmt.Sprintf("%d events missing from archive", report.MissingInArchive))
		}
		if report.Mismatches > 0 {
			parts = append(parts, fmt.Sprintf("%d hash mismatches", report.Mismatches))
		}
		for i, p := range parts {
			if i > 0 {
				report.ErrorMessage += "; "
			}
			report.ErrorMessage += p
		}
	}

	return report, nil
}
