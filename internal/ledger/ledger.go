// Package ledger is the append-only provenance log. Records are signed at
// write time; only the human-review fields may change afterwards.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"redress/internal/canon"
	"redress/internal/domain"
	"redress/internal/events"
	"redress/internal/repo"
)

// recentLimit caps how many records a recent listing may return.
const recentLimit = 100

type Ledger struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	SigningKey []byte
	Now        func() time.Time
}

func New(db *sql.DB, signingKey []byte) *Ledger {
	return &Ledger{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		SigningKey: signingKey,
		Now:        time.Now,
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// signature binds the immutable core fields of a record together. Any edit
// to id, hashes or timestamp invalidates it.
func (l *Ledger) signature(rec domain.ProvenanceRecord) string {
	message := fmt.Sprintf("%s:%s:%s:%s", rec.ProvenanceID, rec.InputHash, rec.OutputHash, rec.TimestampUTC)
	return canon.Sign(l.SigningKey, message)
}

func normalizeTimestamp(ts string, now time.Time) (string, error) {
	if ts == "" {
		return now.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	// naive timestamps are taken as UTC
	if t, err := time.Parse("2006-01-02T15:04:05", ts); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("invalid timestamp %q", ts)
}

// Log appends a record and returns it with its signature and normalized
// timestamp filled in. A duplicate provenance id is a conflict, never a
// silent overwrite.
func (l *Ledger) Log(ctx context.Context, rec domain.ProvenanceRecord) (domain.ProvenanceRecord, error) {
	if rec.AgentID == "" {
		return domain.ProvenanceRecord{}, errors.New("agent_id required")
	}
	if rec.InputHash == "" || rec.OutputHash == "" {
		return domain.ProvenanceRecord{}, errors.New("input_hash and output_hash required")
	}
	if rec.ProvenanceID == "" {
		rec.ProvenanceID = "prov_" + uuid.NewString()
	}
	if rec.AgentVersion == "" {
		rec.AgentVersion = "v1.0"
	}

	now := l.now()
	ts, err := normalizeTimestamp(rec.TimestampUTC, now)
	if err != nil {
		return domain.ProvenanceRecord{}, err
	}
	rec.TimestampUTC = ts
	rec.CreatedAt = now.UTC().Format(time.RFC3339)
	rec.HMACSignature = l.signature(rec)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProvenanceRecord{}, err
	}
	defer tx.Rollback()

	if err := l.Repo.InsertProvenance(ctx, tx, rec); err != nil {
		return domain.ProvenanceRecord{}, err
	}
	err = l.Events.Append(ctx, tx, "provenance.logged", "", "provenance", rec.ProvenanceID, rec.AgentID, events.EventPayload{
		"agent_id":    rec.AgentID,
		"output_hash": rec.OutputHash,
	})
	if err != nil {
		return domain.ProvenanceRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProvenanceRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, provenanceID string) (domain.ProvenanceRecord, error) {
	return l.Repo.GetProvenance(ctx, provenanceID)
}

// Verify compares a claimed output hash against the stored record. Both the
// missing-record and mismatch outcomes are normal results, not errors.
func (l *Ledger) Verify(ctx context.Context, provenanceID, outputHash string) (bool, string, error) {
	rec, err := l.Repo.GetProvenance(ctx, provenanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, "Provenance record not found", nil
	}
	if err != nil {
		return false, "", err
	}
	if rec.OutputHash == outputHash {
		return true, "Output verified - hash matches provenance record", nil
	}
	return false, fmt.Sprintf("VERIFICATION FAILED - Hash mismatch. Expected: %s, Got: %s", rec.OutputHash, outputHash), nil
}

// VerifySignature recomputes the HMAC over the stored core fields.
func (l *Ledger) VerifySignature(rec domain.ProvenanceRecord) bool {
	return l.signature(rec) == rec.HMACSignature
}

// Recent returns the newest records, newest first. The limit is clamped.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]domain.ProvenanceRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > recentLimit {
		limit = recentLimit
	}
	return l.Repo.RecentProvenance(ctx, limit)
}

// MarkReviewed records a human review decision against a record. A missing
// record is reported as updated=false rather than an error so review flows
// that reference synthetic provenance ids stay best-effort.
func (l *Ledger) MarkReviewed(ctx context.Context, provenanceID, decision, reviewerID string) (bool, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	updated, err := l.Repo.MarkProvenanceReviewed(ctx, tx, provenanceID, decision)
	if err != nil {
		return false, err
	}
	if updated {
		err = l.Events.Append(ctx, tx, "provenance.reviewed", "", "provenance", provenanceID, reviewerID, events.EventPayload{
			"decision": decision,
		})
		if err != nil {
			return false, err
		}
	}
	return updated, tx.Commit()
}
