// Package escalation is the human review queue. Agents flag a run/agent pair
// when a check demands human judgment; reviewers drain the queue in FIFO
// order and their decisions propagate back onto the provenance record.
package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/ledger"
	"redress/internal/repo"
)

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger *ledger.Ledger
	Now    func() time.Time
}

func New(db *sql.DB, l *ledger.Ledger) *Queue {
	return &Queue{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: l,
		Now:    time.Now,
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// ItemID is deterministic per run/agent pair so repeated flagging of the
// same pair updates one item instead of growing the queue.
func ItemID(runID, agentID string) string {
	return fmt.Sprintf("review_%s_%s", runID, agentID)
}

// Flag enqueues a run/agent pair for review. Re-flagging refreshes the
// payload and reason and reopens the item as pending.
func (q *Queue) Flag(ctx context.Context, runID, agentID string, payload map[string]any, reason string) (domain.EscalationItem, error) {
	if runID == "" || agentID == "" {
		return domain.EscalationItem{}, errors.New("run_id and agent_id required")
	}
	if reason == "" {
		return domain.EscalationItem{}, errors.New("reason required")
	}

	item := domain.EscalationItem{
		ItemID:        ItemID(runID, agentID),
		RunID:         runID,
		AgentID:       agentID,
		Payload:       payload,
		ProvenanceRef: "prov_" + runID,
		FlaggedReason: reason,
		Status:        "pending",
		CreatedAt:     q.now().UTC().Format(time.RFC3339),
	}

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscalationItem{}, err
	}
	defer tx.Rollback()

	if err := q.Repo.UpsertEscalation(ctx, tx, item); err != nil {
		return domain.EscalationItem{}, err
	}
	err = q.Events.Append(ctx, tx, "escalation.flagged", runID, "escalation", item.ItemID, agentID, events.EventPayload{
		"reason": reason,
	})
	if err != nil {
		return domain.EscalationItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EscalationItem{}, err
	}
	// re-read so a re-flag reports the original created_at
	return q.Repo.GetEscalation(ctx, item.ItemID)
}

// Pending returns unreviewed items, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]domain.EscalationItem, error) {
	return q.Repo.ListPendingEscalations(ctx)
}

// Get returns an item together with its provenance record when one exists.
func (q *Queue) Get(ctx context.Context, itemID string) (domain.EscalationItem, *domain.ProvenanceRecord, error) {
	item, err := q.Repo.GetEscalation(ctx, itemID)
	if err != nil {
		return domain.EscalationItem{}, nil, err
	}
	rec, err := q.Repo.GetProvenance(ctx, item.ProvenanceRef)
	if errors.Is(err, repo.ErrNotFound) {
		return item, nil, nil
	}
	if err != nil {
		return domain.EscalationItem{}, nil, err
	}
	return item, &rec, nil
}

type ReviewOptions struct {
	ItemID        string
	ReviewerID    string
	Decision      string
	Notes         string
	EditedPayload map[string]any
}

func ensureDecision(decision string) error {
	switch decision {
	case domain.DecisionApprove, domain.DecisionReject, domain.DecisionEdit:
		return nil
	}
	return fmt.Errorf("invalid decision %q", decision)
}

// Review records a reviewer decision. Items move pending to reviewed exactly
// once; reviewing a reviewed item is a conflict. The decision is mirrored
// onto the referenced provenance record when that record exists.
func (q *Queue) Review(ctx context.Context, opts ReviewOptions) (domain.EscalationItem, error) {
	if opts.ReviewerID == "" {
		return domain.EscalationItem{}, errors.New("reviewer_id required")
	}
	if err := ensureDecision(opts.Decision); err != nil {
		return domain.EscalationItem{}, err
	}

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscalationItem{}, err
	}
	defer tx.Rollback()

	item, err := q.Repo.GetEscalationTx(ctx, tx, opts.ItemID)
	if err != nil {
		return domain.EscalationItem{}, err
	}
	if item.Status != "pending" {
		return domain.EscalationItem{}, fmt.Errorf("%w: item %s already reviewed", repo.ErrConflict, opts.ItemID)
	}

	reviewedAt := q.now().UTC().Format(time.RFC3339)
	err = q.Repo.UpdateEscalationReview(ctx, tx, opts.ItemID, opts.ReviewerID, opts.Decision, opts.Notes, opts.EditedPayload, reviewedAt)
	if err != nil {
		return domain.EscalationItem{}, err
	}
	err = q.Events.Append(ctx, tx, "escalation.reviewed", item.RunID, "escalation", opts.ItemID, opts.ReviewerID, events.EventPayload{
		"decision": opts.Decision,
	})
	if err != nil {
		return domain.EscalationItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EscalationItem{}, err
	}

	// best effort: synthetic provenance refs may not resolve to a record
	if q.Ledger != nil {
		if _, err := q.Ledger.MarkReviewed(ctx, item.ProvenanceRef, opts.Decision, opts.ReviewerID); err != nil {
			return domain.EscalationItem{}, err
		}
	}
	return q.Repo.GetEscalation(ctx, opts.ItemID)
}
