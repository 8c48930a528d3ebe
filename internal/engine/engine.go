// Package engine is the orchestrator: it turns an action string into an
// ordered pipeline of agent steps and drives each run through its state
// machine, halting on the first failed step.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"redress/internal/agent"
	"redress/internal/domain"
	"redress/internal/escalation"
	"redress/internal/events"
	"redress/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Agents *agent.Registry
	Queue  *escalation.Queue
	Now    func() time.Time
}

func New(db *sql.DB, agents *agent.Registry, queue *escalation.Queue) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Agents: agents,
		Queue:  queue,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ParseAction splits an action string into ordered step names, trimming
// whitespace around each.
func ParseAction(action string) []string {
	parts := strings.Split(action, "->")
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		steps = append(steps, strings.TrimSpace(p))
	}
	return steps
}

func ensureRunTransition(from, to string) error {
	switch from {
	case domain.RunQueued:
		if to == domain.RunRunning {
			return nil
		}
	case domain.RunRunning:
		if to == domain.RunFailed || to == domain.RunCompleted {
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", from, to)
}

type RunOptions struct {
	RunID   string
	UserID  string
	Action  string
	Payload map[string]any
	TraceID string
}

// Run executes a full orchestration synchronously and returns the terminal
// run record. A duplicate run id is a conflict.
func (e Engine) Run(ctx context.Context, opts RunOptions) (domain.Run, error) {
	if opts.UserID == "" {
		return domain.Run{}, errors.New("user_id required")
	}
	if strings.TrimSpace(opts.Action) == "" {
		return domain.Run{}, errors.New("action required")
	}
	if opts.RunID == "" {
		opts.RunID = "run_" + uuid.NewString()
	}
	if opts.Payload == nil {
		opts.Payload = map[string]any{}
	}

	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		RunID:         opts.RunID,
		UserID:        opts.UserID,
		Action:        opts.Action,
		Payload:       opts.Payload,
		TraceID:       opts.TraceID,
		Status:        domain.RunQueued,
		ProvenanceRef: "prov_" + opts.RunID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	err = e.Events.Append(ctx, tx, "run.created", run.RunID, "run", run.RunID, run.UserID, events.EventPayload{
		"action": run.Action,
	})
	if err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}

	if err := e.setStatus(ctx, run.RunID, domain.RunRunning, run.UserID); err != nil {
		return domain.Run{}, err
	}

	req := agent.Request{
		RunID:   run.RunID,
		UserID:  run.UserID,
		TraceID: run.TraceID,
		State:   stateOf(opts.Payload),
		Payload: opts.Payload,
	}

	final := domain.RunCompleted
	for position, step := range ParseAction(opts.Action) {
		req.Position = position
		res, err := e.Agents.Resolve(step).Run(ctx, req)
		if err != nil {
			// a step that cannot even report becomes a failed step result
			res = agent.Result{Step: domain.StepResult{Agent: step, Status: "failed", OutputRef: err.Error()}}
		}
		if err := e.appendStep(ctx, run.RunID, position, run.UserID, res.Step); err != nil {
			return domain.Run{}, err
		}
		if res.MustEscalate && e.Queue != nil {
			if _, err := e.Queue.Flag(ctx, run.RunID, res.Step.Agent, opts.Payload, res.EscalateReason); err != nil {
				return domain.Run{}, err
			}
		}
		if res.Step.Status == "failed" {
			final = domain.RunFailed
			break
		}
	}

	if err := e.setStatus(ctx, run.RunID, final, run.UserID); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, run.RunID)
}

func stateOf(payload map[string]any) string {
	if state, ok := payload["state"].(string); ok {
		return state
	}
	return ""
}

func (e Engine) appendStep(ctx context.Context, runID string, position int, actorID string, step domain.StepResult) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStep(ctx, tx, runID, position, step); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "run.step", runID, "run", runID, actorID, events.EventPayload{
		"agent":  step.Agent,
		"status": step.Status,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) setStatus(ctx context.Context, runID, to, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, runID).Scan(&current)
	if err == sql.ErrNoRows {
		return repo.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := ensureRunTransition(current, to); err != nil {
		return err
	}
	if err := e.Repo.UpdateRunStatus(ctx, tx, runID, to, "", e.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "run."+to, runID, "run", runID, actorID, nil)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the full run record including step history.
func (e Engine) Get(ctx context.Context, runID string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, runID)
}

// Status is the polling fast path: status only, no step history.
func (e Engine) Status(ctx context.Context, runID string) (string, error) {
	return e.Repo.GetRunStatus(ctx, runID)
}

// List returns recent runs, optionally scoped to one user.
func (e Engine) List(ctx context.Context, userID string, limit int) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, userID, limit)
}
