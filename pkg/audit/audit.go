package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"inquest/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by both *pgxpool.Pool and pgx.Tx, so entries can be
// written inside the same transaction as the state mutation they record.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends to the investigation_audit ledger. Rows are never
// updated or deleted and survive deletion of the parent investigation.
type Writer struct {
	DB         DB
	HashSalt   []byte
	HashSource bool
}

func (w *Writer) Append(ctx context.Context, rec models.AuditEntry) error {
	return w.AppendIn(ctx, w.DB, rec)
}

// AppendIn writes through the given executor, typically a pgx.Tx opened
// by the state store.
func (w *Writer) AppendIn(ctx context.Context, db DB, rec models.AuditEntry) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	source := rec.Source
	if w.HashSource {
		source = hashString(source, w.HashSalt)
	}
	_, err := db.Exec(ctx, `
		INSERT INTO investigation_audit
		(investigation_id, action_type, from_version, to_version, changes, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.InvestigationID, rec.ActionType, rec.FromVersion, rec.ToVersion, rec.Changes, source, rec.Timestamp)
	return err
}

// List returns entries for one investigation, newest first.
func (w *Writer) List(ctx context.Context, investigationID string, limit, offset int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := w.DB.Query(ctx, `
		SELECT investigation_id, action_type, from_version, to_version, changes, source, created_at
		FROM investigation_audit
		WHERE investigation_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, investigationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []models.AuditEntry
	for rows.Next() {
		var rec models.AuditEntry
		if err := rows.Scan(&rec.InvestigationID, &rec.ActionType, &rec.FromVersion, &rec.ToVersion, &rec.Changes, &rec.Source, &rec.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, rec)
	}
	return entries, rows.Err()
}

// Count returns the total number of entries for one investigation.
func (w *Writer) Count(ctx context.Context, investigationID string) (int64, error) {
	var n int64
	err := w.DB.QueryRow(ctx, `
		SELECT count(*) FROM investigation_audit WHERE investigation_id=$1
	`, investigationID).Scan(&n)
	return n, err
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
