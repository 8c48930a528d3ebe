// Package agent holds the pipeline step capabilities the orchestrator
// dispatches to. Every agent that produces user-facing output logs a
// provenance record for the step before returning.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"redress/internal/canon"
	"redress/internal/domain"
	"redress/internal/finance"
	"redress/internal/ledger"
	"redress/internal/legal"
)

// Version is stamped on step provenance records.
const Version = "v1.0"

// Request is the per-step view of a run. Position is the zero-based index
// of the step within the pipeline.
type Request struct {
	RunID    string
	UserID   string
	TraceID  string
	State    string
	Position int
	Payload  map[string]any
}

// Result is one executed step. MustEscalate routes the run/agent pair to the
// review queue without necessarily failing the step.
type Result struct {
	Step           domain.StepResult
	Output         map[string]any
	MustEscalate   bool
	EscalateReason string
}

type Agent interface {
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// Registry maps pipeline step names to agents. Unrecognized step names
// resolve to a passthrough agent that reports ok, so a pipeline with an
// unknown step keeps going instead of rejecting the whole run.
type Registry struct {
	agents map[string]Agent
}

func NewRegistry(evaluator *legal.Evaluator, fin finance.Engine, l *ledger.Ledger) *Registry {
	return &Registry{agents: map[string]Agent{
		"intake":      &intakeAgent{ledger: l},
		"diagnose":    &diagnoseAgent{finance: fin, ledger: l},
		"defend":      &letterAgent{legal: evaluator, ledger: l},
		"legal_check": &legalAgent{legal: evaluator, ledger: l},
		"simulate":    &simulateAgent{finance: fin, ledger: l},
	}}
}

func (r *Registry) Resolve(step string) Agent {
	if a, ok := r.agents[step]; ok {
		return a
	}
	return unknownAgent{step: step}
}

// logStep writes the step's provenance record. The id is keyed on run,
// pipeline position and step name so a re-submitted run id surfaces as a
// ledger conflict while a pipeline that repeats a step name does not.
func logStep(ctx context.Context, l *ledger.Ledger, req Request, step, agentName string, output map[string]any, stamp func(*domain.ProvenanceRecord)) error {
	if l == nil {
		return nil
	}
	inputHash, err := canon.Hash(req.Payload)
	if err != nil {
		return err
	}
	outputHash, err := canon.Hash(output)
	if err != nil {
		return err
	}
	rec := domain.ProvenanceRecord{
		ProvenanceID: fmt.Sprintf("prov_%s_%d_%s", req.RunID, req.Position, step),
		AgentID:      agentName,
		AgentVersion: Version,
		InputHash:    inputHash,
		OutputHash:   outputHash,
	}
	if stamp != nil {
		stamp(&rec)
	}
	_, err = l.Log(ctx, rec)
	return err
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func floatField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// intakeAgent normalizes the raw submission into the shape downstream steps
// expect.
type intakeAgent struct {
	ledger *ledger.Ledger
}

func (a *intakeAgent) Name() string { return "IntakeAgent" }

func (a *intakeAgent) Run(ctx context.Context, req Request) (Result, error) {
	output := map[string]any{
		"user_id":       req.UserID,
		"state":         req.State,
		"debt_type":     stringField(req.Payload, "debt_type"),
		"creditor_name": stringField(req.Payload, "creditor_name"),
		"amount":        floatField(req.Payload, "amount"),
	}
	if output["debt_type"] == "" {
		output["debt_type"] = "credit_card"
	}
	if err := logStep(ctx, a.ledger, req, "intake", a.Name(), output, nil); err != nil {
		return Result{}, err
	}
	return Result{
		Step:   domain.StepResult{Agent: a.Name(), Status: "ok", OutputRef: "intake_output"},
		Output: output,
	}, nil
}

// diagnoseAgent computes the headline financial position figures.
type diagnoseAgent struct {
	finance finance.Engine
	ledger  *ledger.Ledger
}

func (a *diagnoseAgent) Name() string { return "DiagnoseAgent" }

func (a *diagnoseAgent) Run(ctx context.Context, req Request) (Result, error) {
	income := floatField(req.Payload, "income")
	expenses := floatField(req.Payload, "expenses")
	output := map[string]any{
		"monthly_surplus": finance.MonthlySurplus(income, expenses).InexactFloat64(),
		"debt_to_income":  finance.DebtToIncome(floatField(req.Payload, "monthly_debt_payments"), income).InexactFloat64(),
		"utilization":     finance.CreditUtilization(floatField(req.Payload, "balance"), floatField(req.Payload, "credit_limit")).InexactFloat64(),
		"finance_version": finance.Version,
	}
	err := logStep(ctx, a.ledger, req, "diagnose", a.Name(), output, func(rec *domain.ProvenanceRecord) {
		v := finance.Version
		rec.FinanceVersion = &v
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Step:   domain.StepResult{Agent: a.Name(), Status: "ok", OutputRef: "diagnosis_output"},
		Output: output,
	}, nil
}

// letterTemplateFields must be present before a dispute letter can be
// drafted.
var letterTemplateFields = []string{"recipient_name", "account_number", "consumer_name"}

// letterAgent drafts a debt validation letter and gates it through the legal
// evaluator before release.
type letterAgent struct {
	legal  *legal.Evaluator
	ledger *ledger.Ledger
}

func (a *letterAgent) Name() string { return "LetterAgent" }

func (a *letterAgent) Run(ctx context.Context, req Request) (Result, error) {
	for _, field := range letterTemplateFields {
		if stringField(req.Payload, field) == "" {
			return Result{
				Step: domain.StepResult{Agent: a.Name(), Status: "failed", OutputRef: "missing required field: " + field},
			}, nil
		}
	}

	check := a.legal.Check(ctx, legal.Input{
		ActionType: "debt_validation",
		State:      req.State,
		Context:    req.Payload,
		TraceID:    req.TraceID,
	})
	letter := fmt.Sprintf(
		"To %s regarding account %s: I, %s, request validation of this debt under 15 U.S.C. § 1692g. Until validation is provided, all collection activity must cease.",
		stringField(req.Payload, "recipient_name"),
		stringField(req.Payload, "account_number"),
		stringField(req.Payload, "consumer_name"),
	)
	output := map[string]any{
		"letter":      letter,
		"legal_flags": len(check.Flags),
	}
	err := logStep(ctx, a.ledger, req, "defend", a.Name(), output, func(rec *domain.ProvenanceRecord) {
		v := legal.DBVersion
		rec.LegalDBVersion = &v
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Step:   domain.StepResult{Agent: a.Name(), Status: "ok", OutputRef: "letter_output"},
		Output: output,
	}
	if check.MustEscalate {
		res.MustEscalate = true
		res.EscalateReason = "legal review required before sending letter"
	}
	if !check.OK {
		res.Step.Status = "failed"
	}
	return res, nil
}

// legalAgent runs a standalone legal check as a pipeline gate.
type legalAgent struct {
	legal  *legal.Evaluator
	ledger *ledger.Ledger
}

func (a *legalAgent) Name() string { return "LegalAgent" }

func (a *legalAgent) Run(ctx context.Context, req Request) (Result, error) {
	actionType := stringField(req.Payload, "action_type")
	if actionType == "" {
		actionType = "statute_check"
	}
	check := a.legal.Check(ctx, legal.Input{
		ActionType:  actionType,
		State:       req.State,
		AccountDate: stringField(req.Payload, "account_date"),
		Context:     req.Payload,
		TraceID:     req.TraceID,
	})
	output := map[string]any{
		"ok":            check.OK,
		"flags":         check.Flags,
		"must_escalate": check.MustEscalate,
	}
	err := logStep(ctx, a.ledger, req, "legal_check", a.Name(), output, func(rec *domain.ProvenanceRecord) {
		v := legal.DBVersion
		rec.LegalDBVersion = &v
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Step:   domain.StepResult{Agent: a.Name(), Status: "ok", OutputRef: "legal_output"},
		Output: output,
	}
	if check.MustEscalate {
		res.MustEscalate = true
		res.EscalateReason = "legal evaluator demanded human review"
	}
	if !check.OK {
		res.Step.Status = "failed"
	}
	return res, nil
}

// simulateAgent runs the finance simulation inside a pipeline.
type simulateAgent struct {
	finance finance.Engine
	ledger  *ledger.Ledger
}

func (a *simulateAgent) Name() string { return "SimulateAgent" }

func (a *simulateAgent) Run(ctx context.Context, req Request) (Result, error) {
	scenario, err := decodeScenario(req.Payload)
	if err != nil {
		return Result{
			Step: domain.StepResult{Agent: a.Name(), Status: "failed", OutputRef: err.Error()},
		}, nil
	}
	calc, checksum, assumptions, err := a.finance.Simulate(scenario)
	if err != nil {
		return Result{}, err
	}
	output := map[string]any{
		"calculations": calc,
		"checksum":     checksum,
		"assumptions":  assumptions,
	}
	err = logStep(ctx, a.ledger, req, "simulate", a.Name(), output, func(rec *domain.ProvenanceRecord) {
		v := finance.Version
		rec.FinanceVersion = &v
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Step:   domain.StepResult{Agent: a.Name(), Status: "ok", OutputRef: "simulation_output"},
		Output: output,
	}, nil
}

func decodeScenario(payload map[string]any) (domain.FinanceScenario, error) {
	raw, ok := payload["scenario"]
	if !ok {
		return domain.FinanceScenario{}, fmt.Errorf("malformed scenario: missing scenario")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return domain.FinanceScenario{}, fmt.Errorf("malformed scenario: %v", err)
	}
	var scenario domain.FinanceScenario
	if err := json.Unmarshal(data, &scenario); err != nil {
		return domain.FinanceScenario{}, fmt.Errorf("malformed scenario: %v", err)
	}
	return scenario, nil
}

// unknownAgent is the permissive fallback for unrecognized step names.
type unknownAgent struct {
	step string
}

func (a unknownAgent) Name() string { return "Unknown" }

func (a unknownAgent) Run(ctx context.Context, req Request) (Result, error) {
	return Result{
		Step: domain.StepResult{Agent: a.Name(), Status: "ok", OutputRef: a.step + "_output"},
	}, nil
}
