package redresssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Redress HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StepResult is one executed pipeline step.
type StepResult struct {
	Agent     string `json:"agent"`
	Status    string `json:"status"`
	OutputRef string `json:"output_ref,omitempty"`
}

// Run represents the API run model.
type Run struct {
	RunID         string       `json:"run_id"`
	Status        string       `json:"status"`
	Steps         []StepResult `json:"steps"`
	ProvenanceRef string       `json:"provenance_ref"`
}

// RunStatus is the fast-path status payload.
type RunStatus struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// LegalFlag is one compliance flag.
type LegalFlag struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
	Severity    string `json:"severity"`
	CitationID  string `json:"citation_id,omitempty"`
}

// LegalCitation is one statute reference.
type LegalCitation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	TextSnippet string `json:"text_snippet"`
	DBVersion   string `json:"db_version"`
}

// LegalCheckResult is the outcome of a compliance check.
type LegalCheckResult struct {
	OK            bool            `json:"ok"`
	Flags         []LegalFlag     `json:"flags"`
	Citations     []LegalCitation `json:"citations"`
	MustEscalate  bool            `json:"must_escalate"`
	ProvenanceRef string          `json:"provenance_ref"`
}

// SimulationResult is the outcome of a financial simulation.
type SimulationResult struct {
	OK            bool           `json:"ok"`
	Calculations  map[string]any `json:"calculations"`
	Checksum      string         `json:"checksum"`
	Assumptions   []string       `json:"assumptions"`
	ProvenanceRef string         `json:"provenance_ref"`
}

// VerifyResult is a checksum or hash verification outcome.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
}

// ProvenanceRecord is one ledger entry.
type ProvenanceRecord struct {
	ProvenanceID  string `json:"provenance_id"`
	AgentID       string `json:"agent_id"`
	AgentVersion  string `json:"agent_version"`
	InputHash     string `json:"input_hash"`
	OutputHash    string `json:"output_hash"`
	TimestampUTC  string `json:"timestamp_utc"`
	HumanReviewed bool   `json:"human_reviewed"`
	HMACSignature string `json:"hmac_signature,omitempty"`
}

// EscalationItem is one pending or reviewed queue entry.
type EscalationItem struct {
	ItemID        string         `json:"item_id"`
	RunID         string         `json:"run_id"`
	AgentID       string         `json:"agent_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	ProvenanceRef string         `json:"provenance_ref"`
	FlaggedReason string         `json:"flagged_reason"`
	Status        string         `json:"status"`
	CreatedAt     string         `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Run executes an agent pipeline.
func (c *Client) Run(ctx context.Context, userID, action string, payload map[string]any) (Run, error) {
	body := map[string]any{
		"user_id": userID,
		"action":  action,
		"payload": payload,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/orchestrate/run", body, &resp)
	return resp, err
}

// Status returns the fast-path run status.
func (c *Client) Status(ctx context.Context, runID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, "v0/orchestrate/status/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// LegalCheck runs a compliance check.
func (c *Client) LegalCheck(ctx context.Context, state, actionType string, checkContext map[string]any) (LegalCheckResult, error) {
	body := map[string]any{
		"user_state":  map[string]any{"state": state},
		"action_type": actionType,
		"context":     checkContext,
	}
	var resp LegalCheckResult
	err := c.do(ctx, http.MethodPost, "v0/legal/check", body, &resp)
	return resp, err
}

// Simulate runs a financial scenario.
func (c *Client) Simulate(ctx context.Context, scenario map[string]any) (SimulationResult, error) {
	body := map[string]any{"scenario": scenario}
	var resp SimulationResult
	err := c.do(ctx, http.MethodPost, "v0/finance/simulate", body, &resp)
	return resp, err
}

// VerifyProvenance checks an output hash against the ledger.
func (c *Client) VerifyProvenance(ctx context.Context, provenanceID, outputHash string) (VerifyResult, error) {
	body := map[string]any{
		"provenance_id": provenanceID,
		"output_hash":   outputHash,
	}
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, "v0/provenance/verify", body, &resp)
	return resp, err
}

// Provenance fetches one ledger record.
func (c *Client) Provenance(ctx context.Context, provenanceID string) (ProvenanceRecord, error) {
	var resp ProvenanceRecord
	err := c.do(ctx, http.MethodGet, "v0/provenance/"+url.PathEscape(provenanceID), nil, &resp)
	return resp, err
}

// EscalationQueue lists pending review items.
func (c *Client) EscalationQueue(ctx context.Context) ([]EscalationItem, error) {
	var resp []EscalationItem
	err := c.do(ctx, http.MethodGet, "v0/escalation/queue", nil, &resp)
	return resp, err
}

// ReviewEscalation records a human review decision.
func (c *Client) ReviewEscalation(ctx context.Context, itemID, reviewerID, decision, notes string) error {
	body := map[string]any{
		"reviewer_id": reviewerID,
		"decision":    decision,
		"notes":       notes,
	}
	endpoint := "v0/escalation/review/" + url.PathEscape(itemID)
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
