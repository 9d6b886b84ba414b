// Package resultcache persists compressed, deduplicated investigation
// artifacts for fast retrieval, with TTL expiry and a bounded in-memory
// front cache.
package resultcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"inquest/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrStorage wraps backend I/O failures. Retryable.
var ErrStorage = errors.New("result cache storage failure")

const compressionThreshold = 256

// Cache stores exactly one row per investigation id. A row past its
// expires_at is never served, purged or not.
type Cache struct {
	DB         DB
	DefaultTTL time.Duration
	front      *lruCache
}

func New(db DB, defaultTTL time.Duration, frontCapacity int) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Cache{DB: db, DefaultTTL: defaultTTL, front: newLRUCache(frontCapacity)}
}

// RequestContext carries result metadata persisted alongside the payload.
type RequestContext struct {
	Status          string
	EntityCount     int
	BooleanLogic    string
	TotalDurationMS int64
	TTL             time.Duration
}

// Store serializes, compresses, hashes, and upserts the result, then
// refreshes the front cache.
func (c *Cache) Store(ctx context.Context, investigationID string, reqCtx RequestContext, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	hash := models.ContentHash(raw)
	payload := raw
	compressed := false
	if len(raw) >= compressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("compress result: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress result: %w", err)
		}
		payload = buf.Bytes()
		compressed = true
	}
	ttl := reqCtx.TTL
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	status := reqCtx.Status
	if status == "" {
		status = models.StatusCompleted
	}
	_, err = c.DB.Exec(ctx, `
		INSERT INTO cached_results
		(investigation_id, payload, compressed, result_hash, status, entity_count, boolean_logic, total_duration_ms, size_bytes, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (investigation_id) DO UPDATE SET
			payload=EXCLUDED.payload,
			compressed=EXCLUDED.compressed,
			result_hash=EXCLUDED.result_hash,
			status=EXCLUDED.status,
			entity_count=EXCLUDED.entity_count,
			boolean_logic=EXCLUDED.boolean_logic,
			total_duration_ms=EXCLUDED.total_duration_ms,
			size_bytes=EXCLUDED.size_bytes,
			updated_at=EXCLUDED.updated_at,
			expires_at=EXCLUDED.expires_at
	`, investigationID, payload, compressed, hash, status, reqCtx.EntityCount, reqCtx.BooleanLogic,
		reqCtx.TotalDurationMS, int64(len(payload)), now, now, expiresAt)
	if err != nil {
		return storageErr("upsert cached result", err)
	}
	c.front.put(investigationID, raw, expiresAt)
	return nil
}

// Get returns the decompressed result, or (nil, false) on miss, expiry,
// or corruption. Corrupt payloads are logged and treated as absent.
func (c *Cache) Get(ctx context.Context, investigationID string) (json.RawMessage, bool, error) {
	now := time.Now().UTC()
	if raw, ok := c.front.get(investigationID, now); ok {
		return raw, true, nil
	}
	row := c.DB.QueryRow(ctx, `
		SELECT payload, compressed, expires_at
		FROM cached_results WHERE investigation_id=$1
	`, investigationID)
	var payload []byte
	var compressed bool
	var expiresAt time.Time
	if err := row.Scan(&payload, &compressed, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storageErr("read cached result", err)
	}
	if !expiresAt.After(now) {
		return nil, false, nil
	}
	raw := payload
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			log.Printf("resultcache: corrupt payload for %s: %v", investigationID, err)
			return nil, false, nil
		}
		raw, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Printf("resultcache: corrupt payload for %s: %v", investigationID, err)
			return nil, false, nil
		}
	}
	if !json.Valid(raw) {
		log.Printf("resultcache: corrupt payload for %s: invalid json", investigationID)
		return nil, false, nil
	}
	c.front.put(investigationID, raw, expiresAt)
	return raw, true, nil
}

// GetStatus serves row metadata without touching the payload.
func (c *Cache) GetStatus(ctx context.Context, investigationID string) (*models.CachedResultMeta, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT investigation_id, result_hash, status, entity_count, boolean_logic, total_duration_ms, compressed, size_bytes, created_at, updated_at, expires_at
		FROM cached_results WHERE investigation_id=$1 AND expires_at > now()
	`, investigationID)
	meta, err := scanMeta(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("read cached result status", err)
	}
	return &meta, nil
}

func (c *Cache) UpdateStatus(ctx context.Context, investigationID, status string) (bool, error) {
	tag, err := c.DB.Exec(ctx, `
		UPDATE cached_results SET status=$2, updated_at=now()
		WHERE investigation_id=$1 AND expires_at > now()
	`, investigationID, status)
	if err != nil {
		return false, storageErr("update cached result status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns unexpired metadata, newest first.
func (c *Cache) List(ctx context.Context, status string, limit, offset int) ([]models.CachedResultMeta, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT investigation_id, result_hash, status, entity_count, boolean_logic, total_duration_ms, compressed, size_bytes, created_at, updated_at, expires_at
		FROM cached_results WHERE expires_at > now()`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += ` AND status=$1`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := c.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list cached results", err)
	}
	defer rows.Close()
	var out []models.CachedResultMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, storageErr("scan cached result", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (c *Cache) Delete(ctx context.Context, investigationID string) (bool, error) {
	c.front.remove(investigationID)
	tag, err := c.DB.Exec(ctx, `DELETE FROM cached_results WHERE investigation_id=$1`, investigationID)
	if err != nil {
		return false, storageErr("delete cached result", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired deletes rows past their expiry. Run at startup and
// opportunistically.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := c.DB.Exec(ctx, `DELETE FROM cached_results WHERE expires_at <= now()`)
	if err != nil {
		return 0, storageErr("purge expired results", err)
	}
	return tag.RowsAffected(), nil
}

type Stats struct {
	Total           int64            `json:"total"`
	ByStatus        map[string]int64 `json:"by_status"`
	AvgEntityCount  float64          `json:"avg_entity_count"`
	AvgDurationMS   float64          `json:"avg_duration_ms"`
	TotalBytes      int64            `json:"total_bytes"`
	FrontCacheItems int              `json:"front_cache_items"`
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: map[string]int64{}, FrontCacheItems: c.front.len()}
	row := c.DB.QueryRow(ctx, `
		SELECT count(*), coalesce(avg(entity_count), 0), coalesce(avg(total_duration_ms), 0), coalesce(sum(size_bytes), 0)
		FROM cached_results WHERE expires_at > now()
	`)
	if err := row.Scan(&stats.Total, &stats.AvgEntityCount, &stats.AvgDurationMS, &stats.TotalBytes); err != nil {
		return Stats{}, storageErr("aggregate cached results", err)
	}
	rows, err := c.DB.Query(ctx, `
		SELECT status, count(*) FROM cached_results WHERE expires_at > now() GROUP BY status
	`)
	if err != nil {
		return Stats{}, storageErr("aggregate cached results by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, storageErr("scan status aggregate", err)
		}
		stats.ByStatus[status] = n
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (models.CachedResultMeta, error) {
	var meta models.CachedResultMeta
	err := row.Scan(&meta.InvestigationID, &meta.ResultHash, &meta.Status, &meta.EntityCount,
		&meta.BooleanLogic, &meta.TotalDurationMS, &meta.Compressed, &meta.SizeBytes,
		&meta.CreatedAt, &meta.UpdatedAt, &meta.ExpiresAt)
	return meta, err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorage)
}
