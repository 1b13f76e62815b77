package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/actionledger/ledger/internal/appender"
	"github.com/actionledger/ledger/internal/archive"
	"github.com/actionledger/ledger/internal/chain"
	"github.com/actionledger/ledger/internal/export"
	"github.com/actionledger/ledger/internal/reconcile"
	"github.com/actionledger/ledger/internal/server/storage"
)

const apiVersion = "1.1.0"

// Server holds the dependencies needed by the REST handlers: the primary
// store, the append coordinator, the archive, and a logger. It has no
// mutable state of its own.
type Server struct {
	store       Store
	coordinator *appender.Coordinator
	archive     archive.Writer
	log         *slog.Logger
}

// NewServer creates a new Server with the provided dependencies. log may be
// nil, in which case slog.Default() is used.
func NewServer(store Store, coordinator *appender.Coordinator, archiveWriter archive.Writer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, coordinator: coordinator, archive: archiveWriter, log: log}
}

// handleRoot responds to GET /.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Name:    "AI Action Ledger",
		Version: apiVersion,
		Endpoints: map[string]string{
			"events": "/events",
			"export": "/export",
			"verify": "/verify",
			"health": "/health",
		},
	})
}

// handleHealth responds to GET /health. It reports "healthy" iff both the
// primary store and the archive pass their sub-checks, else "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := s.store.Ping(r.Context()); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	archiveStatus := "healthy"
	if err := s.archive.CheckHealth(); err != nil {
		archiveStatus = "unhealthy: " + err.Error()
	}

	overall := "healthy"
	if dbStatus != "healthy" || archiveStatus != "healthy" {
		overall = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: overall, Database: dbStatus, Archive: archiveStatus})
}

// handleCreateEvent responds to POST /events.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed JSON body")
		return
	}

	if problems := req.validate(); len(problems) > 0 {
		writeError(w, http.StatusUnprocessableEntity, strings.Join(problems, "; "))
		return
	}

	event, err := s.coordinator.Append(r.Context(), appender.Payload{
		AgentID:       req.AgentID,
		ActionType:    req.ActionType,
		ToolName:      req.ToolName,
		Environment:   req.Environment,
		ModelVersion:  req.ModelVersion,
		PromptVersion: req.PromptVersion,
		InputHash:     req.InputHash,
		OutputHash:    req.OutputHash,
	})
	if err != nil {
		if errors.Is(err, appender.ErrConflict) {
			writeError(w, http.StatusConflict, "event conflicts with an existing event_id or event_hash")
			return
		}
		s.log.Error("append failed", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to append event")
		return
	}

	writeJSON(w, http.StatusCreated, toEventResponse(event))
}

// handleListEvents responds to GET /events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.EventFilter{
		AgentID:    q.Get("agent_id"),
		ActionType: q.Get("action_type"),
		Page:       1,
		PageSize:   50,
	}

	startTime, err := parseTimeQueryParam(q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "start_time must be RFC3339")
		return
	}
	filter.StartTime = startTime

	endTime, err := parseTimeQueryParam(q.Get("end_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "end_time must be RFC3339")
		return
	}
	filter.EndTime = endTime

	if pageStr := q.Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			writeError(w, http.StatusUnprocessableEntity, "page must be a positive integer")
			return
		}
		filter.Page = page
	}

	if pageSizeStr := q.Get("page_size"); pageSizeStr != "" {
		pageSize, err := strconv.Atoi(pageSizeStr)
		if err != nil || pageSize < 1 || pageSize > 1000 {
			writeError(w, http.StatusUnprocessableEntity, "page_size must be between 1 and 1000")
			return
		}
		filter.PageSize = pageSize
	}

	events, total, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		s.log.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	resp := eventListResponse{
		Events:   make([]eventResponse, len(events)),
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	for i, e := range events {
		resp.Events[i] = toEventResponse(e)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetEvent responds to GET /events/{event_id}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	event, err := s.store.GetEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event "+eventID+" not found")
			return
		}
		s.log.Error("get event failed", "event_id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	writeJSON(w, http.StatusOK, toEventResponse(*event))
}

// handleVerify responds to GET /verify.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "agent_id is required")
		return
	}

	startTime, err := parseTimeQueryParam(q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "start_time must be RFC3339")
		return
	}
	endTime, err := parseTimeQueryParam(q.Get("end_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "end_time must be RFC3339")
		return
	}

	result, err := chain.VerifyChain(r.Context(), s.store, agentID, startTime, endTime)
	if err != nil {
		s.log.Error("verify chain failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to verify chain")
		return
	}

	resp := verifyResponse{
		AgentID:       agentID,
		IsValid:       result.Valid,
		EventsChecked: result.EventsChecked,
	}
	if !result.Valid {
		resp.FirstInvalidEventID = &result.FirstInvalidEvent
		msg := result.Diagnostic
		resp.ErrorMessage = &msg
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleVerifyArchive responds to GET /verify/archive.
func (s *Server) handleVerifyArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	dateStr := q.Get("date")
	if agentID == "" || dateStr == "" {
		writeError(w, http.StatusUnprocessableEntity, "agent_id and date are required")
		return
	}

	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		writeJSON(w, http.StatusOK, reconcile.Report{
			AgentID:      agentID,
			Date:         dateStr,
			IsValid:      false,
			ErrorMessage: "invalid date format, use YYYY-MM-DD",
		})
		return
	}

	report, err := reconcile.Reconcile(r.Context(), s.store, s.archive, agentID, date)
	if err != nil {
		s.log.Error("reconcile failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reconcile archive")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleExport responds to GET /export.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format := export.FormatJSON
	if strings.EqualFold(q.Get("format"), "csv") {
		format = export.FormatCSV
	}

	agentID := q.Get("agent_id")
	startTime, err := parseTimeQueryParam(q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "start_time must be RFC3339")
		return
	}
	endTime, err := parseTimeQueryParam(q.Get("end_time"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "end_time must be RFC3339")
		return
	}

	events, err := s.loadExportEvents(r.Context(), agentID, q.Get("action_type"), startTime, endTime)
	if err != nil {
		s.log.Error("export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export events")
		return
	}

	now := time.Now()
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", "attachment; filename="+export.FileName(format, now))
	w.WriteHeader(http.StatusOK)

	if format == export.FormatCSV {
		if err := export.WriteCSV(w, events); err != nil {
			s.log.Error("write csv export failed", "error", err)
		}
		return
	}
	if err := export.WriteJSON(w, events, now); err != nil {
		s.log.Error("write json export failed", "error", err)
	}
}

// loadExportEvents loads every matching event ordered by timestamp
// ascending, matching the original implementation's export ordering. When
// agentID is empty (export across every agent), it falls back to the
// paginated list path since EventsInRange is scoped to one agent.
func (s *Server) loadExportEvents(ctx context.Context, agentID, actionType string, startTime, endTime *time.Time) ([]storage.Event, error) {
	if agentID != "" && actionType == "" {
		return s.store.EventsInRange(ctx, agentID, startTime, endTime)
	}

	filter := storage.EventFilter{
		AgentID:    agentID,
		ActionType: actionType,
		StartTime:  startTime,
		EndTime:    endTime,
		Page:       1,
		PageSize:   1000,
	}
	var all []storage.Event
	for {
		page, total, err := s.store.ListEvents(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(all) >= total || len(page) == 0 {
			break
		}
		filter.Page++
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
