package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"inquest/pkg/audit"
	"inquest/pkg/lifecycle"
	"inquest/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Requester identifies the caller of a store operation. Elevated access
// bypasses the owner check; granting it is the collaborator's concern.
type Requester struct {
	ID       string
	Elevated bool
}

// Store owns investigation records. Every mutation writes its audit entry
// in the same transaction; concurrent writers are serialized by the
// version compare-and-swap.
type Store struct {
	DB    DB
	Audit *audit.Writer
}

func NewStore(db DB, auditWriter *audit.Writer) *Store {
	return &Store{DB: db, Audit: auditWriter}
}

type CreateRequest struct {
	ID       string
	OwnerID  string
	Settings models.Settings
	Stage    string
	Status   string
	Source   string
}

func (s *Store) Create(ctx context.Context, req CreateRequest) (models.Investigation, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return models.Investigation{}, fmt.Errorf("owner required: %w", ErrForbidden)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	if req.Stage == "" {
		req.Stage = models.StageCreated
	}
	if req.Status == "" {
		req.Status = models.StatusCreated
	}
	if req.Settings.SchemaVersion == 0 {
		req.Settings.SchemaVersion = models.SettingsSchemaVersion
	}
	if !models.ValidSettings(&req.Settings) {
		return models.Investigation{}, ErrInvalidSettings
	}
	now := time.Now().UTC()
	inv := models.Investigation{
		ID:             id,
		OwnerID:        req.OwnerID,
		LifecycleStage: req.Stage,
		Status:         req.Status,
		Version:        1,
		Settings:       req.Settings,
		Progress:       models.Progress{SchemaVersion: models.ProgressSchemaVersion},
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessed:   now,
	}
	settingsRaw, err := json.Marshal(inv.Settings)
	if err != nil {
		return models.Investigation{}, fmt.Errorf("encode settings: %w", err)
	}
	progressRaw, err := json.Marshal(inv.Progress)
	if err != nil {
		return models.Investigation{}, fmt.Errorf("encode progress: %w", err)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return models.Investigation{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO investigations
		(id, owner_id, lifecycle_stage, status, version, settings, progress, created_at, updated_at, last_accessed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, inv.ID, inv.OwnerID, inv.LifecycleStage, inv.Status, inv.Version, settingsRaw, progressRaw, inv.CreatedAt, inv.UpdatedAt, inv.LastAccessed)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Investigation{}, fmt.Errorf("id %s: %w", inv.ID, ErrConflict)
		}
		return models.Investigation{}, storageErr("insert investigation", err)
	}

	toVersion := inv.Version
	if err := s.Audit.AppendIn(ctx, tx, models.AuditEntry{
		InvestigationID: inv.ID,
		ActionType:      models.AuditCreated,
		ToVersion:       &toVersion,
		Timestamp:       now,
		Source:          req.Source,
	}); err != nil {
		return models.Investigation{}, storageErr("append audit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Investigation{}, storageErr("commit", err)
	}
	return inv, nil
}

func (s *Store) Get(ctx context.Context, id string, requester Requester) (models.Investigation, error) {
	inv, err := s.fetch(ctx, s.DB, id)
	if err != nil {
		return models.Investigation{}, err
	}
	if err := checkOwner(inv, requester); err != nil {
		return models.Investigation{}, err
	}
	now := time.Now().UTC()
	if _, err := s.DB.Exec(ctx, `UPDATE investigations SET last_accessed=$2 WHERE id=$1`, id, now); err != nil {
		return models.Investigation{}, storageErr("touch last_accessed", err)
	}
	inv.LastAccessed = now
	return inv, nil
}

// Update applies a patch if expectedVersion still matches. The row update
// and its audit entry commit as one unit; on version mismatch nothing is
// written and the caller must re-read and retry.
func (s *Store) Update(ctx context.Context, id string, requester Requester, expectedVersion int64, patch models.Patch) (models.Investigation, error) {
	if patch.Settings != nil && !models.ValidSettings(patch.Settings) {
		return models.Investigation{}, ErrInvalidSettings
	}
	if patch.Progress != nil && !models.ValidProgress(patch.Progress) {
		return models.Investigation{}, ErrInvalidProgress
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return models.Investigation{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := s.fetch(ctx, tx, id)
	if err != nil {
		return models.Investigation{}, err
	}
	if err := checkOwner(cur, requester); err != nil {
		return models.Investigation{}, err
	}
	if cur.Version != expectedVersion {
		return models.Investigation{}, fmt.Errorf("expected %d, have %d: %w", expectedVersion, cur.Version, ErrVersionConflict)
	}
	stage, status, err := lifecycle.ValidatePatch(cur, patch)
	if err != nil {
		return models.Investigation{}, fmt.Errorf("%v: %w", err, ErrInvalidTransition)
	}

	next := cur
	next.LifecycleStage = stage
	next.Status = status
	if patch.Settings != nil {
		next.Settings = *patch.Settings
	}
	if patch.Progress != nil {
		next.Progress = *patch.Progress
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	settingsRaw, err := json.Marshal(next.Settings)
	if err != nil {
		return models.Investigation{}, fmt.Errorf("encode settings: %w", err)
	}
	progressRaw, err := json.Marshal(next.Progress)
	if err != nil {
		return models.Investigation{}, fmt.Errorf("encode progress: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE investigations
		SET lifecycle_stage=$3, status=$4, version=$5, settings=$6, progress=$7, updated_at=$8
		WHERE id=$1 AND version=$2
	`, id, expectedVersion, next.LifecycleStage, next.Status, next.Version, settingsRaw, progressRaw, next.UpdatedAt)
	if err != nil {
		return models.Investigation{}, storageErr("update investigation", err)
	}
	if tag.RowsAffected() == 0 {
		// Another writer won between our read and write.
		return models.Investigation{}, fmt.Errorf("expected %d: %w", expectedVersion, ErrVersionConflict)
	}

	fromVersion := cur.Version
	toVersion := next.Version
	if err := s.Audit.AppendIn(ctx, tx, models.AuditEntry{
		InvestigationID: id,
		ActionType:      models.AuditUpdated,
		FromVersion:     &fromVersion,
		ToVersion:       &toVersion,
		Changes:         diffJSON(cur, next),
		Timestamp:       next.UpdatedAt,
		Source:          requester.ID,
	}); err != nil {
		return models.Investigation{}, storageErr("append audit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Investigation{}, storageErr("commit", err)
	}
	return next, nil
}

// Delete records the deletion in the ledger before removing the row; the
// audit trail survives the record.
func (s *Store) Delete(ctx context.Context, id string, requester Requester) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := s.fetch(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := checkOwner(cur, requester); err != nil {
		return err
	}
	fromVersion := cur.Version
	if err := s.Audit.AppendIn(ctx, tx, models.AuditEntry{
		InvestigationID: id,
		ActionType:      models.AuditDeleted,
		FromVersion:     &fromVersion,
		Timestamp:       time.Now().UTC(),
		Source:          requester.ID,
	}); err != nil {
		return storageErr("append audit", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM investigations WHERE id=$1`, id); err != nil {
		return storageErr("delete investigation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

type ListFilter struct {
	OwnerID  string
	Status   string
	Search   string
	Page     int
	PageSize int
}

type PageResult struct {
	Items    []models.Investigation `json:"items"`
	Total    int64                  `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

func (s *Store) List(ctx context.Context, filter ListFilter) (PageResult, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 20
	}
	where := []string{}
	args := []any{}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where = append(where, fmt.Sprintf("id ILIKE $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.DB.QueryRow(ctx, "SELECT count(*) FROM investigations"+clause, args...).Scan(&total); err != nil {
		return PageResult{}, storageErr("count investigations", err)
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT id, owner_id, lifecycle_stage, status, version, settings, progress, created_at, updated_at, last_accessed
		FROM investigations%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return PageResult{}, storageErr("list investigations", err)
	}
	defer rows.Close()

	result := PageResult{Page: filter.Page, PageSize: filter.PageSize, Total: total}
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return PageResult{}, storageErr("scan investigation", err)
		}
		result.Items = append(result.Items, inv)
	}
	if err := rows.Err(); err != nil {
		return PageResult{}, storageErr("list investigations", err)
	}
	return result, nil
}

// History returns the audit trail, newest first. Available even after
// the investigation is deleted, but owner-checked while it exists.
func (s *Store) History(ctx context.Context, id string, requester Requester, limit, offset int) ([]models.AuditEntry, error) {
	inv, err := s.fetch(ctx, s.DB, id)
	if err == nil {
		if err := checkOwner(inv, requester); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	} else if !requester.Elevated {
		return nil, err
	}
	entries, err := s.Audit.List(ctx, id, limit, offset)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) fetch(ctx context.Context, db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string) (models.Investigation, error) {
	row := db.QueryRow(ctx, `
		SELECT id, owner_id, lifecycle_stage, status, version, settings, progress, created_at, updated_at, last_accessed
		FROM investigations WHERE id=$1
	`, id)
	inv, err := scanInvestigation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Investigation{}, fmt.Errorf("id %s: %w", id, ErrNotFound)
		}
		return models.Investigation{}, storageErr("fetch investigation", err)
	}
	return inv, nil
}

func scanInvestigation(row rowScanner) (models.Investigation, error) {
	var inv models.Investigation
	var settingsRaw, progressRaw []byte
	if err := row.Scan(&inv.ID, &inv.OwnerID, &inv.LifecycleStage, &inv.Status, &inv.Version,
		&settingsRaw, &progressRaw, &inv.CreatedAt, &inv.UpdatedAt, &inv.LastAccessed); err != nil {
		return models.Investigation{}, err
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &inv.Settings); err != nil {
			return models.Investigation{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	if len(progressRaw) > 0 {
		if err := json.Unmarshal(progressRaw, &inv.Progress); err != nil {
			return models.Investigation{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	return inv, nil
}

func checkOwner(inv models.Investigation, requester Requester) error {
	if requester.Elevated {
		return nil
	}
	if requester.ID == "" || requester.ID != inv.OwnerID {
		return fmt.Errorf("requester %s: %w", requester.ID, ErrForbidden)
	}
	return nil
}

func diffJSON(old, new models.Investigation) json.RawMessage {
	changes := map[string]any{}
	if old.LifecycleStage != new.LifecycleStage {
		changes["lifecycle_stage"] = map[string]string{"from": old.LifecycleStage, "to": new.LifecycleStage}
	}
	if old.Status != new.Status {
		changes["status"] = map[string]string{"from": old.Status, "to": new.Status}
	}
	oldSettings, _ := json.Marshal(old.Settings)
	newSettings, _ := json.Marshal(new.Settings)
	if string(oldSettings) != string(newSettings) {
		changes["settings"] = json.RawMessage(newSettings)
	}
	oldProgress, _ := json.Marshal(old.Progress)
	newProgress, _ := json.Marshal(new.Progress)
	if string(oldProgress) != string(newProgress) {
		changes["progress"] = json.RawMessage(newProgress)
	}
	b, _ := json.Marshal(changes)
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorage)
}
