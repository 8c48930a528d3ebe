package domain

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunFailed    = "failed"
	RunCompleted = "completed"
)

// Flag severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionEdit    = "edit"
)

type Run struct {
	RunID         string         `json:"run_id"`
	UserID        string         `json:"user_id"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	Status        string         `json:"status" enum:"queued,running,failed,completed"`
	Steps         []StepResult   `json:"steps,omitempty"`
	ProvenanceRef string         `json:"provenance_ref,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type StepResult struct {
	Agent     string `json:"agent"`
	Status    string `json:"status" enum:"ok,failed"`
	OutputRef string `json:"output_ref,omitempty"`
}

type ProvenanceRecord struct {
	ProvenanceID   string  `json:"provenance_id"`
	AgentID        string  `json:"agent_id"`
	AgentVersion   string  `json:"agent_version"`
	InputHash      string  `json:"input_hash"`
	OutputHash     string  `json:"output_hash"`
	InputPath      *string `json:"input_path,omitempty"`
	OutputPath     *string `json:"output_path,omitempty"`
	LegalDBVersion *string `json:"legal_db_version,omitempty"`
	FinanceVersion *string `json:"finance_version,omitempty"`
	TimestampUTC   string  `json:"timestamp_utc" format:"date-time"`
	HumanReviewed  bool    `json:"human_reviewed"`
	ReviewDecision *string `json:"review_decision,omitempty"`
	HMACSignature  string  `json:"hmac_signature,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty" format:"date-time"`
}

type LegalFlag struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
	Severity    string `json:"severity" enum:"low,medium,high"`
	CitationID  string `json:"citation_id,omitempty"`
}

type LegalCitation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	TextSnippet string `json:"text_snippet"`
	DBVersion   string `json:"db_version"`
}

type EscalationItem struct {
	ItemID        string         `json:"item_id"`
	RunID         string         `json:"run_id"`
	AgentID       string         `json:"agent_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	ProvenanceRef string         `json:"provenance_ref"`
	FlaggedReason string         `json:"flagged_reason"`
	Status        string         `json:"status" enum:"pending,reviewed"`
	ReviewerID    *string        `json:"reviewer_id,omitempty"`
	Decision      *string        `json:"decision,omitempty" enum:"approve,reject,edit"`
	Notes         *string        `json:"notes,omitempty"`
	EditedPayload map[string]any `json:"edited_payload,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	ReviewedAt    *string        `json:"reviewed_at,omitempty" format:"date-time"`
}

// Balance is one debt account inside a finance scenario. MinPayment of zero
// means "unknown"; the engine substitutes 2% of the balance.
type Balance struct {
	Name       string  `json:"name"`
	Balance    float64 `json:"balance"`
	APR        float64 `json:"apr"`
	MinPayment float64 `json:"min_payment,omitempty"`
}

type Goal struct {
	Type         string  `json:"type"`
	Amount       float64 `json:"amount"`
	DeadlineDays int     `json:"deadline_days"`
}

type FinanceScenario struct {
	Balances []Balance `json:"balances,omitempty"`
	Income   float64   `json:"income"`
	Expenses float64   `json:"expenses"`
	Goal     *Goal     `json:"goal,omitempty"`
}

type SavingsEntry struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

type PaydownEntry struct {
	Account string  `json:"account"`
	Payment float64 `json:"payment"`
	Balance float64 `json:"balance"`
	Date    string  `json:"date"`
}

type Calculations struct {
	MonthlySurplus  float64        `json:"monthly_surplus"`
	SavingsPlan     []SavingsEntry `json:"savings_plan,omitempty"`
	PaydownSchedule []PaydownEntry `json:"paydown_schedule,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
