package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"redress/internal/agent"
	"redress/internal/db"
	"redress/internal/domain"
	"redress/internal/engine"
	"redress/internal/escalation"
	"redress/internal/finance"
	"redress/internal/ledger"
	"redress/internal/legal"
	"redress/internal/migrate"
	"redress/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Queue  *escalation.Queue
	Ledger *ledger.Ledger
	Legal  *legal.Evaluator
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rules, err := legal.LoadRuleSet()
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	evaluator := legal.NewEvaluator(rules)
	fin := finance.New()
	fin.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	led := ledger.New(conn, []byte("test-signing-key"))
	queue := escalation.New(conn, led)
	eng := engine.New(conn, agent.NewRegistry(evaluator, fin, led), queue)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Queue: queue, Ledger: led, Legal: evaluator, Ctx: context.Background()}
}

func TestParseAction(t *testing.T) {
	steps := engine.ParseAction(" intake -> diagnose->defend ")
	if len(steps) != 3 || steps[0] != "intake" || steps[1] != "diagnose" || steps[2] != "defend" {
		t.Fatalf("unexpected steps: %v", steps)
	}
}

func TestRunCompletes(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{
		RunID:  "run1",
		UserID: "user1",
		Action: "intake->diagnose",
		Payload: map[string]any{
			"state":    "CA",
			"income":   3000.0,
			"expenses": 2200.0,
		},
		TraceID: "trace1",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(run.Steps))
	}
	if run.Steps[0].Agent != "IntakeAgent" || run.Steps[1].Agent != "DiagnoseAgent" {
		t.Fatalf("unexpected agents: %+v", run.Steps)
	}
	if run.ProvenanceRef != "prov_run1" {
		t.Fatalf("provenance ref = %s", run.ProvenanceRef)
	}

	// each executed step left a provenance record at its pipeline position
	if _, err := env.Ledger.Get(env.Ctx, "prov_run1_0_intake"); err != nil {
		t.Fatalf("intake provenance: %v", err)
	}
	if _, err := env.Ledger.Get(env.Ctx, "prov_run1_1_diagnose"); err != nil {
		t.Fatalf("diagnose provenance: %v", err)
	}

	status, err := env.Engine.Status(env.Ctx, "run1")
	if err != nil || status != domain.RunCompleted {
		t.Fatalf("fast-path status = %s, %v", status, err)
	}
}

func TestRunHaltsOnFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	// defend fails: the letter template fields are missing from the payload
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{
		RunID:   "run2",
		UserID:  "user1",
		Action:  "intake->defend->simulate",
		Payload: map[string]any{"state": "CA"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("expected exactly 2 steps, got %d: %+v", len(run.Steps), run.Steps)
	}
	if run.Steps[1].Status != "failed" {
		t.Fatalf("second step status = %s", run.Steps[1].Status)
	}
	// simulate never ran, so it logged nothing
	if _, err := env.Ledger.Get(env.Ctx, "prov_run2_2_simulate"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no simulate provenance, got %v", err)
	}
}

func TestRepeatedStepNameCompletes(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{
		RunID:   "run6",
		UserID:  "user1",
		Action:  "intake->intake",
		Payload: map[string]any{"state": "CA"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d: %+v", len(run.Steps), run.Steps)
	}
	for i, step := range run.Steps {
		if step.Status != "ok" {
			t.Fatalf("step %d status = %s: %+v", i, step.Status, step)
		}
	}
	// both executions kept their own ledger record
	if _, err := env.Ledger.Get(env.Ctx, "prov_run6_0_intake"); err != nil {
		t.Fatalf("first intake provenance: %v", err)
	}
	if _, err := env.Ledger.Get(env.Ctx, "prov_run6_1_intake"); err != nil {
		t.Fatalf("second intake provenance: %v", err)
	}
}

func TestUnknownStepIsPermissive(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{
		RunID:   "run3",
		UserID:  "user1",
		Action:  "intake->mystery",
		Payload: map[string]any{"state": "NY"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	last := run.Steps[len(run.Steps)-1]
	if last.Agent != "Unknown" || last.OutputRef != "mystery_output" {
		t.Fatalf("unexpected fallback step: %+v", last)
	}
}

type escalatingAdvisor struct{}

func (escalatingAdvisor) Analyze(ctx context.Context, in legal.Input, rules []legal.Rule) (legal.Finding, error) {
	return legal.Finding{
		Issues:       []string{"possible harassment pattern in call log"},
		MustEscalate: true,
	}, nil
}

func TestEscalationRoutesToQueue(t *testing.T) {
	env := newTestEnv(t)
	env.Legal.Advisor = escalatingAdvisor{}

	run, err := env.Engine.Run(env.Ctx, engine.RunOptions{
		RunID:   "run4",
		UserID:  "user1",
		Action:  "legal_check",
		Payload: map[string]any{"state": "TX", "action_type": "credit_dispute"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// escalation is a business outcome, not a failure
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}

	pending, err := env.Queue.Pending(env.Ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}
	if pending[0].ItemID != "review_run4_LegalAgent" {
		t.Fatalf("item id = %s", pending[0].ItemID)
	}
}

func TestDuplicateRunIDConflicts(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.RunOptions{RunID: "run5", UserID: "user1", Action: "intake", Payload: map[string]any{"state": "CA"}}
	if _, err := env.Engine.Run(env.Ctx, opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := env.Engine.Run(env.Ctx, opts)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Status(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
