package rest

import (
	"regexp"
	"time"

	"github.com/actionledger/ledger/internal/chain"
	"github.com/actionledger/ledger/internal/server/storage"
)

var (
	agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
	hashPattern    = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// eventCreateRequest is the POST /events request body.
type eventCreateRequest struct {
	AgentID       string  `json:"agent_id"`
	ActionType    string  `json:"action_type"`
	ToolName      *string `json:"tool_name"`
	Environment   *string `json:"environment"`
	ModelVersion  *string `json:"model_version"`
	PromptVersion *string `json:"prompt_version"`
	InputHash     string  `json:"input_hash"`
	OutputHash    string  `json:"output_hash"`
}

// validate applies the pre-core validation rules of spec.md §6.1 and
// normalizes hashes to lowercase. It returns every violation found, not just
// the first, matching the teacher's errors.Join validation style.
func (r *eventCreateRequest) validate() []string {
	var problems []string

	if !agentIDPattern.MatchString(r.AgentID) {
		problems = append(problems, "agent_id must match ^[A-Za-z0-9._-]{1,128}$")
	}
	if len(r.ActionType) == 0 || len(r.ActionType) > 100 {
		problems = append(problems, "action_type is required and must be at most 100 characters")
	}
	if !hashPattern.MatchString(r.InputHash) {
		problems = append(problems, "input_hash must be exactly 64 hexadecimal characters")
	} else {
		r.InputHash = toLowerHex(r.InputHash)
	}
	if !hashPattern.MatchString(r.OutputHash) {
		problems = append(problems, "output_hash must be exactly 64 hexadecimal characters")
	} else {
		r.OutputHash = toLowerHex(r.OutputHash)
	}
	if r.ToolName != nil && len(*r.ToolName) > 255 {
		problems = append(problems, "tool_name must be at most 255 characters")
	}
	if r.Environment != nil && len(*r.Environment) > 100 {
		problems = append(problems, "environment must be at most 100 characters")
	}
	if r.ModelVersion != nil && len(*r.ModelVersion) > 100 {
		problems = append(problems, "model_version must be at most 100 characters")
	}
	if r.PromptVersion != nil && len(*r.PromptVersion) > 100 {
		problems = append(problems, "prompt_version must be at most 100 characters")
	}

	return problems
}

func toLowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// eventResponse is the JSON shape of a persisted event, per spec.md §3.
type eventResponse struct {
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

func toEventResponse(e storage.Event) eventResponse {
	return eventResponse{
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

// eventListResponse is the GET /events response body.
type eventListResponse struct {
	Events   []eventResponse `json:"events"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// verifyResponse is the GET /verify response body.
type verifyResponse struct {
	AgentID             string  `json:"agent_id"`
	IsValid             bool    `json:"is_valid"`
	EventsChecked       int     `json:"events_checked"`
	FirstInvalidEventID *string `json:"first_invalid_event_id,omitempty"`
	ErrorMessage        *string `json:"error_message,omitempty"`
}

// healthResponse is the GET /health response body.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Archive  string `json:"archive"`
}

// rootResponse is the GET / response body.
type rootResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// parseTimeQueryParam parses an optional RFC3339 query parameter, returning
// nil if empty.
func parseTimeQueryParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
