package server

import (
	"encoding/json"

	"redress/internal/domain"
)

type RunRequest struct {
	RunID   string         `json:"run_id,omitempty"`
	UserID  string         `json:"user_id"`
	Action  string         `json:"action" example:"intake->diagnose->defend"`
	Payload map[string]any `json:"payload,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

type RunResponse struct {
	RunID         string              `json:"run_id"`
	Status        string              `json:"status" enum:"queued,running,failed,completed"`
	Steps         []domain.StepResult `json:"steps"`
	ProvenanceRef string              `json:"provenance_ref"`
}

type RunStatusResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type UserState struct {
	State       string `json:"state" example:"CA"`
	AccountDate string `json:"account_date,omitempty"`
}

type LegalCheckRequest struct {
	UserState  UserState      `json:"user_state"`
	ActionType string         `json:"action_type" example:"statute_check"`
	Context    map[string]any `json:"context,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
}

type LegalCheckResponse struct {
	OK            bool                   `json:"ok"`
	Flags         []domain.LegalFlag     `json:"flags"`
	Citations     []domain.LegalCitation `json:"citations"`
	MustEscalate  bool                   `json:"must_escalate"`
	ProvenanceRef string                 `json:"provenance_ref"`
}

type FinanceSimulateRequest struct {
	Scenario domain.FinanceScenario `json:"scenario"`
	TraceID  string                 `json:"trace_id,omitempty"`
}

type FinanceSimulateResponse struct {
	OK            bool                `json:"ok"`
	Calculations  domain.Calculations `json:"calculations"`
	Checksum      string              `json:"checksum"`
	Assumptions   []string            `json:"assumptions"`
	ProvenanceRef string              `json:"provenance_ref"`
}

type FinanceVerifyRequest struct {
	Calculations     map[string]any `json:"calculations"`
	ExpectedChecksum string         `json:"expected_checksum"`
	TraceID          string         `json:"trace_id,omitempty"`
}

type VerifyResponse struct {
	OK       bool   `json:"ok"`
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
}

type ProvenanceLogRequest struct {
	ProvenanceID   string  `json:"provenance_id,omitempty"`
	AgentID        string  `json:"agent_id"`
	AgentVersion   string  `json:"agent_version,omitempty"`
	InputHash      string  `json:"input_hash"`
	OutputHash     string  `json:"output_hash"`
	InputPath      *string `json:"input_path,omitempty"`
	OutputPath     *string `json:"output_path,omitempty"`
	LegalDBVersion *string `json:"legal_db_version,omitempty"`
	FinanceVersion *string `json:"finance_version,omitempty"`
	TimestampUTC   string  `json:"timestamp_utc,omitempty"`
}

type ProvenanceLogResponse struct {
	OK            bool   `json:"ok"`
	ProvenanceID  string `json:"provenance_id"`
	HMACSignature string `json:"hmac_signature"`
}

type ProvenanceVerifyRequest struct {
	ProvenanceID string `json:"provenance_id"`
	OutputHash   string `json:"output_hash"`
}

type EscalationFlagRequest struct {
	RunID   string         `json:"run_id"`
	AgentID string         `json:"agent_id"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason"`
}

type EscalationFlagResponse struct {
	Message string `json:"message"`
	ItemID  string `json:"item_id"`
}

type EscalationItemDetail struct {
	Item       domain.EscalationItem    `json:"item"`
	Provenance *domain.ProvenanceRecord `json:"provenance,omitempty"`
}

type EscalationReviewRequest struct {
	ReviewerID    string         `json:"reviewer_id"`
	Decision      string         `json:"decision" enum:"approve,reject,edit"`
	Notes         string         `json:"notes,omitempty"`
	EditedPayload map[string]any `json:"edited_payload,omitempty"`
}

type EscalationReviewResponse struct {
	Message  string `json:"message"`
	ItemID   string `json:"item_id"`
	Decision string `json:"decision"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func runResponse(run domain.Run) RunResponse {
	steps := run.Steps
	if steps == nil {
		steps = []domain.StepResult{}
	}
	return RunResponse{
		RunID:         run.RunID,
		Status:        run.Status,
		Steps:         steps,
		ProvenanceRef: run.ProvenanceRef,
	}
}

func mapAPIKeys(keys []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(keys))
	for _, key := range keys {
		res = append(res, APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
		})
	}
	return res
}
