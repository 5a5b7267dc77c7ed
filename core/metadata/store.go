// Package metadata persists the per-canvas record (owner, current version
// pointer, legacy storage key, toolset summary) and the append-only version
// index used for audit and version lookups.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrCanvasNotFound  = errors.New("canvas not found")
	ErrVersionNotFound = errors.New("canvas version not found")
)

// Canvas is the metadata row for one canvas. Version is the current pointer;
// full history lives in the version index, never inline.
type Canvas struct {
	ID              string
	UID             string
	Version         string
	StateStorageKey string
	UsedToolsets    []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// IsLegacy reports whether the canvas predates the snapshot format: no
// version pointer yet, but a legacy storage key to migrate from.
func (c *Canvas) IsLegacy() bool {
	return c.Version == "" && c.StateStorageKey != ""
}

// VersionRecord is one immutable version-index row.
type VersionRecord struct {
	CanvasID        string
	Version         string
	Hash            string
	StateStorageKey string
	CreatedAt       time.Time
}

const versionCacheSize = 1024

// Store is the sqlite-backed metadata store.
type Store struct {
	db           *sql.DB
	versionCache *lru.Cache[string, VersionRecord]
}

// Open opens (creating if needed) the metadata database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_foreign_keys=1", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=1"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	cache, err := lru.New[string, VersionRecord](versionCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, versionCache: cache}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS canvases (
			id TEXT NOT NULL PRIMARY KEY,
			uid TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			state_storage_key TEXT NOT NULL DEFAULT '',
			used_toolsets TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS canvas_versions (
			canvas_id TEXT NOT NULL,
			version TEXT NOT NULL,
			hash TEXT NOT NULL,
			state_storage_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (canvas_id, version)
		);
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCanvas inserts a new canvas row.
func (s *Store) CreateCanvas(ctx context.Context, c Canvas) error {
	toolsets, err := json.Marshal(c.UsedToolsets)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO canvases(id, uid, version, state_storage_key, used_toolsets, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UID, c.Version, c.StateStorageKey, string(toolsets), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create canvas %q: %w", c.ID, err)
	}
	return nil
}

// GetCanvas returns the canvas row, or ErrCanvasNotFound for a missing or
// soft-deleted canvas.
func (s *Store) GetCanvas(ctx context.Context, id string) (Canvas, error) {
	var (
		c         Canvas
		toolsets  string
		deletedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, version, state_storage_key, used_toolsets, created_at, updated_at, deleted_at
		 FROM canvases WHERE id = ?`, id,
	).Scan(&c.ID, &c.UID, &c.Version, &c.StateStorageKey, &toolsets, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Canvas{}, fmt.Errorf("canvas %q: %w", id, ErrCanvasNotFound)
	}
	if err != nil {
		return Canvas{}, fmt.Errorf("get canvas %q: %w", id, err)
	}
	if deletedAt.Valid {
		return Canvas{}, fmt.Errorf("canvas %q: %w", id, ErrCanvasNotFound)
	}
	if err := json.Unmarshal([]byte(toolsets), &c.UsedToolsets); err != nil {
		return Canvas{}, fmt.Errorf("decode toolsets for %q: %w", id, err)
	}
	return c, nil
}

// SetCurrentVersion atomically advances the canvas's current version pointer
// and appends the immutable version-index record, in one transaction.
func (s *Store) SetCurrentVersion(ctx context.Context, rec VersionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO canvas_versions(canvas_id, version, hash, state_storage_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.CanvasID, rec.Version, rec.Hash, rec.StateStorageKey, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("append version index %q/%q: %w", rec.CanvasID, rec.Version, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE canvases SET version = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		rec.Version, rec.CreatedAt, rec.CanvasID,
	)
	if err != nil {
		return fmt.Errorf("advance version pointer %q: %w", rec.CanvasID, err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return fmt.Errorf("canvas %q: %w", rec.CanvasID, ErrCanvasNotFound)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.versionCache.Add(versionCacheKey(rec.CanvasID, rec.Version), rec)
	return nil
}

// UpdateUsedToolsets replaces the canvas's toolset summary.
func (s *Store) UpdateUsedToolsets(ctx context.Context, id string, toolsets []string) error {
	raw, err := json.Marshal(toolsets)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE canvases SET used_toolsets = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		string(raw), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update toolsets %q: %w", id, err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return fmt.Errorf("canvas %q: %w", id, ErrCanvasNotFound)
	}
	return nil
}

// GetVersionRecord returns the version-index record for an explicit version,
// or ErrVersionNotFound. Records are immutable, so hits are cached.
func (s *Store) GetVersionRecord(ctx context.Context, canvasID, version string) (VersionRecord, error) {
	key := versionCacheKey(canvasID, version)
	if rec, ok := s.versionCache.Get(key); ok {
		return rec, nil
	}

	var rec VersionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT canvas_id, version, hash, state_storage_key, created_at
		 FROM canvas_versions WHERE canvas_id = ? AND version = ?`,
		canvasID, version,
	).Scan(&rec.CanvasID, &rec.Version, &rec.Hash, &rec.StateStorageKey, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionRecord{}, fmt.Errorf("version %q of canvas %q: %w", version, canvasID, ErrVersionNotFound)
	}
	if err != nil {
		return VersionRecord{}, fmt.Errorf("get version record %q/%q: %w", canvasID, version, err)
	}

	s.versionCache.Add(key, rec)
	return rec, nil
}

// ListVersions returns the version index for a canvas, oldest first.
func (s *Store) ListVersions(ctx context.Context, canvasID string) ([]VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canvas_id, version, hash, state_storage_key, created_at
		 FROM canvas_versions WHERE canvas_id = ? ORDER BY created_at ASC`,
		canvasID,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions %q: %w", canvasID, err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var rec VersionRecord
		if err := rows.Scan(&rec.CanvasID, &rec.Version, &rec.Hash, &rec.StateStorageKey, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SoftDelete marks the canvas deleted; superseded version blobs stay
// retrievable through the index until a separate reaper removes them.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canvases SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete %q: %w", id, err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return fmt.Errorf("canvas %q: %w", id, ErrCanvasNotFound)
	}
	return nil
}

func versionCacheKey(canvasID, version string) string {
	return canvasID + "/" + version
}
