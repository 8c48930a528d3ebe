package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"redress/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	payload, err := marshalPayload(run.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(run_id,user_id,action,payload_json,trace_id,status,provenance_ref,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.UserID, run.Action, payload, nullable(run.TraceID), run.Status, nullable(run.ProvenanceRef), run.CreatedAt, run.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, runID, status, provenanceRef, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, provenance_ref=COALESCE(?,provenance_ref), updated_at=? WHERE run_id=?`,
		status, nullable(provenanceRef), updatedAt, runID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,user_id,action,payload_json,COALESCE(trace_id,''),status,COALESCE(provenance_ref,''),created_at,updated_at FROM runs WHERE run_id=?`, runID)
	var run domain.Run
	var payload string
	err := row.Scan(&run.RunID, &run.UserID, &run.Action, &payload, &run.TraceID, &run.Status, &run.ProvenanceRef, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	if run.Payload, err = unmarshalPayload(payload); err != nil {
		return domain.Run{}, err
	}
	if run.Steps, err = r.listSteps(ctx, runID); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// GetRunStatus is the fast path for pollers: a single-column read with no
// step history attached.
func (r Repo) GetRunStatus(ctx context.Context, runID string) (string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, runID)
	var status string
	err := row.Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

func (r Repo) ListRuns(ctx context.Context, userID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id,user_id,action,payload_json,COALESCE(trace_id,''),status,COALESCE(provenance_ref,''),created_at,updated_at FROM runs`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var payload string
		if err := rows.Scan(&run.RunID, &run.UserID, &run.Action, &payload, &run.TraceID, &run.Status, &run.ProvenanceRef, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if run.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, runID string, position int, step domain.StepResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_steps(run_id,position,agent,status,output_ref) VALUES (?,?,?,?,?)`,
		runID, position, step.Agent, step.Status, nullable(step.OutputRef))
	return err
}

func (r Repo) listSteps(ctx context.Context, runID string) ([]domain.StepResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent,status,COALESCE(output_ref,'') FROM run_steps WHERE run_id=? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.StepResult
	for rows.Next() {
		var s domain.StepResult
		if err := rows.Scan(&s.Agent, &s.Status, &s.OutputRef); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r Repo) InsertProvenance(ctx context.Context, tx *sql.Tx, rec domain.ProvenanceRecord) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO provenance_log(provenance_id,agent_id,agent_version,input_hash,output_hash,input_path,output_path,legal_db_version,finance_version,timestamp_utc,human_reviewed,review_decision,hmac_signature,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ProvenanceID, rec.AgentID, rec.AgentVersion, rec.InputHash, rec.OutputHash,
		nullablePtr(rec.InputPath), nullablePtr(rec.OutputPath), nullablePtr(rec.LegalDBVersion), nullablePtr(rec.FinanceVersion),
		rec.TimestampUTC, rec.HumanReviewed, nullablePtr(rec.ReviewDecision), rec.HMACSignature, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanProvenance(scan func(dest ...any) error) (domain.ProvenanceRecord, error) {
	var rec domain.ProvenanceRecord
	var inputPath, outputPath, legalVersion, financeVersion, decision sql.NullString
	err := scan(&rec.ProvenanceID, &rec.AgentID, &rec.AgentVersion, &rec.InputHash, &rec.OutputHash,
		&inputPath, &outputPath, &legalVersion, &financeVersion,
		&rec.TimestampUTC, &rec.HumanReviewed, &decision, &rec.HMACSignature, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.InputPath = optionalString(inputPath)
	rec.OutputPath = optionalString(outputPath)
	rec.LegalDBVersion = optionalString(legalVersion)
	rec.FinanceVersion = optionalString(financeVersion)
	rec.ReviewDecision = optionalString(decision)
	return rec, nil
}

const provenanceColumns = `provenance_id,agent_id,agent_version,input_hash,output_hash,input_path,output_path,legal_db_version,finance_version,timestamp_utc,human_reviewed,review_decision,hmac_signature,created_at`

func (r Repo) GetProvenance(ctx context.Context, id string) (domain.ProvenanceRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+provenanceColumns+` FROM provenance_log WHERE provenance_id=?`, id)
	return scanProvenance(row.Scan)
}

func (r Repo) RecentProvenance(ctx context.Context, limit int) ([]domain.ProvenanceRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+provenanceColumns+` FROM provenance_log ORDER BY created_at DESC, provenance_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProvenanceRecord
	for rows.Next() {
		rec, err := scanProvenance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// MarkProvenanceReviewed sets the review fields. Only review fields are
// mutable; everything else in a record is append-only.
func (r Repo) MarkProvenanceReviewed(ctx context.Context, tx *sql.Tx, id, decision string) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE provenance_log SET human_reviewed=1, review_decision=? WHERE provenance_id=?`, decision, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// UpsertEscalation flags a run/agent pair. Re-flagging an item refreshes the
// payload, reason and provenance ref, and reopens it as pending; the original
// created_at is kept so FIFO order is stable.
func (r Repo) UpsertEscalation(ctx context.Context, tx *sql.Tx, item domain.EscalationItem) error {
	payload, err := marshalPayload(item.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO escalation_queue(item_id,run_id,agent_id,payload_json,provenance_ref,flagged_reason,status,created_at) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(item_id) DO UPDATE SET payload_json=excluded.payload_json, provenance_ref=excluded.provenance_ref, flagged_reason=excluded.flagged_reason, status='pending', reviewer_id=NULL, decision=NULL, notes=NULL, edited_payload_json=NULL, reviewed_at=NULL`,
		item.ItemID, item.RunID, item.AgentID, payload, item.ProvenanceRef, item.FlaggedReason, item.Status, item.CreatedAt)
	return err
}

func scanEscalation(scan func(dest ...any) error) (domain.EscalationItem, error) {
	var item domain.EscalationItem
	var payload string
	var reviewer, decision, notes, edited, reviewedAt sql.NullString
	err := scan(&item.ItemID, &item.RunID, &item.AgentID, &payload, &item.ProvenanceRef, &item.FlaggedReason, &item.Status,
		&reviewer, &decision, &notes, &edited, &item.CreatedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if item.Payload, err = unmarshalPayload(payload); err != nil {
		return item, err
	}
	item.ReviewerID = optionalString(reviewer)
	item.Decision = optionalString(decision)
	item.Notes = optionalString(notes)
	item.ReviewedAt = optionalString(reviewedAt)
	if edited.Valid && edited.String != "" {
		if item.EditedPayload, err = unmarshalPayload(edited.String); err != nil {
			return item, err
		}
	}
	return item, nil
}

const escalationColumns = `item_id,run_id,agent_id,payload_json,provenance_ref,flagged_reason,status,reviewer_id,decision,notes,edited_payload_json,created_at,reviewed_at`

func (r Repo) GetEscalation(ctx context.Context, itemID string) (domain.EscalationItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalation_queue WHERE item_id=?`, itemID)
	return scanEscalation(row.Scan)
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.EscalationItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalation_queue WHERE item_id=?`, itemID)
	return scanEscalation(row.Scan)
}

// ListPendingEscalations returns pending items oldest first.
func (r Repo) ListPendingEscalations(ctx context.Context) ([]domain.EscalationItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+escalationColumns+` FROM escalation_queue WHERE status='pending' ORDER BY created_at ASC, item_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationItem
	for rows.Next() {
		item, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEscalationReview(ctx context.Context, tx *sql.Tx, itemID, reviewerID, decision, notes string, editedPayload map[string]any, reviewedAt string) error {
	var edited any
	if editedPayload != nil {
		data, err := json.Marshal(editedPayload)
		if err != nil {
			return fmt.Errorf("marshal edited payload: %w", err)
		}
		edited = string(data)
	}
	res, err := tx.ExecContext(ctx, `UPDATE escalation_queue SET status='reviewed', reviewer_id=?, decision=?, notes=?, edited_payload_json=?, reviewed_at=? WHERE item_id=?`,
		reviewerID, decision, nullable(notes), edited, reviewedAt, itemID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, runID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a run.
func (r Repo) LatestEventID(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
