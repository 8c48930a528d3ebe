package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"redress/internal/app"
	"redress/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	a, err := app.Open(app.Options{Workspace: workspace, SigningKey: "test-signing-key"})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func anonServer(t *testing.T) (*testServer, func()) {
	return newTestServer(t, AuthConfig{JWTSecret: "test-jwt-secret", AllowAnonymous: true})
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestRunLifecycle(t *testing.T) {
	srv, cleanup := anonServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orchestrate/run", map[string]any{
		"run_id":  "run1",
		"user_id": "user1",
		"action":  "intake->diagnose",
		"payload": map[string]any{
			"state":    "CA",
			"income":   3000,
			"expenses": 2200,
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(run.Steps))
	}
	if run.ProvenanceRef != "prov_run1" {
		t.Fatalf("provenance ref = %s", run.ProvenanceRef)
	}

	// fast-path status
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orchestrate/status/run1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status RunStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Status != domain.RunCompleted {
		t.Fatalf("fast-path status = %s", status.Status)
	}

	// full run includes step history
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orchestrate/run/run1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	var full domain.Run
	if err := json.Unmarshal(data, &full); err != nil {
		t.Fatalf("unmarshal full run: %v", err)
	}
	if full.Steps[0].Agent != "IntakeAgent" {
		t.Fatalf("first step agent = %s", full.Steps[0].Agent)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orchestrate/status/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRunValidation(t *testing.T) {
	srv, cleanup := anonServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orchestrate/run", map[string]any{
		"user_id": "user1",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}
}

func TestLegalCheckStatute(t *testing.T) {
	srv, cleanup := anonServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/legal/check", map[string]any{
		"user_state":  map[string]any{"state": "CA", "account_date": "2010-01-15"},
		"action_type": "statute_check",
		"trace_id":    "trace-legal",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	var check LegalCheckResponse
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if !check.OK {
		t.Fatalf("expected ok for informational flags: %+v", check)
	}
	found := false
	for _, flag := range check.Flags {
		if flag.Code == "SOL_EXPIRED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SOL_EXPIRED flag, got %+v", check.Flags)
	}
	if check.ProvenanceRef != "legal_ai_trace-legal" {
		t.Fatalf("provenance ref = %s", check.ProvenanceRef)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/legal/citation/FDCPA_809", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("citation status %d: %s", res.StatusCode, string(data))
	}
	var citation domain.LegalCitation
	if err := json.Unmarshal(data, &citation); err != nil {
		t.Fatalf("unmarshal citation: %v", err)
	}
	if citation.ID != "FDCPA_809" || citation.DBVersion == "" {
		t.Fatalf("unexpected citation: %+v", citation)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/legal/citation/NOPE_123", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown citation, got %d", res.StatusCode)
	}
}

func TestFinanceSimulateAndVerify(t *testing.T) {
	srv, cleanup := anonServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/finance/simulate", map[string]any{
		"scenario": map[string]any{
			"income":   3000,
			"expenses": 2200,
		},
		"trace_id": "trace-fin",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("simulate status %d: %s", res.StatusCode, string(data))
	}
	var sim FinanceSimulateResponse
	if err := json.Unmarshal(data, &sim); err != nil {
		t.Fatalf("unmarshal simulate: %v", err)
	}
	if sim.Calculations.MonthlySurplus != 800 {
		t.Fatalf("monthly surplus = %v", sim.Calculations.MonthlySurplus)
	}
	if sim.Checksum == "" || sim.ProvenanceRef != "finance_sim_trace-fin" {
		t.Fatalf("unexpected simulate response: %+v", sim)
	}

	calculations := map[string]any{
		"income":          3000,
		"expenses":        2200,
		"monthly_surplus": sim.Calculations.MonthlySurplus,
		"finance_version": "v1.0",
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/finance/verify", map[string]any{
		"calculations":      calculations,
		"expected_checksum": sim.Checksum,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verify.Verified || verify.Message != "Calculations verified" {
		t.Fatalf("unexpected verify result: %+v", verify)
	}

	calculations["monthly_surplus"] = 900
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/finance/verify", map[string]any{
		"calculations":      calculations,
		"expected_checksum": sim.Checksum,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verify.Verified || verify.Message != "Checksum mismatch - calculations may have been tampered with" {
		t.Fatalf("tampered calculations passed verification: %+v", verify)
	}
}

func TestProvenanceEndpoints(t *testing.T) {
	srv, cleanup := anonServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/provenance/log", map[string]any{
		"provenance_id": "prov_srv1",
		"agent_id":      "TestAgent",
		"input_hash":    "aaa",
		"output_hash":   "bbb",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("log status %d: %s", res.StatusCode, string(data))
	}
	var logged ProvenanceLogResponse
	if err := json.Unmarshal(data, &logged); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if logged.ProvenanceID != "prov_srv1" || len(logged.HMACSignature) != 64 {
		t.Fatalf("unexpected log response: %+v", logged)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/provenance/prov_srv1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.ProvenanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.AgentID != "TestAgent" {
		t.Fatalf("agent id = %s", rec.AgentID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/provenance/verify", map[string]any{
		"provenance_id": "prov_srv1",
		"output_hash":   "bbb",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verify.Verified || verify.Message != "Output verified - hash matches provenance record" {
		t.Fatalf("unexpected verify: %+v", verify)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/provenance/verify", map[string]any{
		"provenance_id": "prov_missing",
		"output_hash":   "bbb",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verify.Verified || verify.Message != "Provenance record not found" {
		t.Fatalf("missing record verify: %+v", verify)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/provenance/recent/5", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recent status %d: %s", res.StatusCode, string(data))
	}
	var recent []domain.ProvenanceRecord
	if err := json.Unmarshal(data, &recent); err != nil {
		t.Fatalf("unmarshal recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent record, got %d", len(recent))
	}
}

func TestEscalationFlow(t *testing.T) {
	srv, cleanup := anonServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalation/flag", map[string]any{
		"run_id":   "run9",
		"agent_id": "LegalAgent",
		"payload":  map[string]any{"letter": "draft"},
		"reason":   "possible FDCPA violation",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flag status %d: %s", res.StatusCode, string(data))
	}
	var flagged EscalationFlagResponse
	if err := json.Unmarshal(data, &flagged); err != nil {
		t.Fatalf("unmarshal flag: %v", err)
	}
	if flagged.ItemID != "review_run9_LegalAgent" {
		t.Fatalf("item id = %s", flagged.ItemID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalation/queue", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var pending []domain.EscalationItem
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != "pending" {
		t.Fatalf("unexpected queue: %+v", pending)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalation/item/"+flagged.ItemID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("item status %d: %s", res.StatusCode, string(data))
	}
	var detail EscalationItemDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if detail.Item.RunID != "run9" {
		t.Fatalf("item run id = %s", detail.Item.RunID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalation/review/"+flagged.ItemID, map[string]any{
		"reviewer_id": "reviewer1",
		"decision":    "approve",
		"notes":       "letter is compliant",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}
	var reviewed EscalationReviewResponse
	if err := json.Unmarshal(data, &reviewed); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if reviewed.Decision != "approve" {
		t.Fatalf("decision = %s", reviewed.Decision)
	}

	// reviewed items are terminal
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/escalation/review/"+flagged.ItemID, map[string]any{
		"reviewer_id": "reviewer2",
		"decision":    "reject",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second review, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-jwt-secret", AllowAnonymous: false})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalation/queue", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// mint a dev token and use it
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalation/queue", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request status %d: %s", res.StatusCode, string(data))
	}

	// API keys work through the X-Api-Key header
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "svc1",
		"name":     "ci",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalation/queue", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalation/queue", nil, map[string]string{
		"X-Api-Key": "rdx_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d: %s", res.StatusCode, string(data))
	}
}
