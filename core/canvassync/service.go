// Package canvassync orchestrates canvas state mutation: locking,
// read-modify-write cycles, version creation, legacy migration and
// persistence. It is the only component with side effects on the blob
// store, lock service and metadata store.
package canvassync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adalundhe/easel/core/canvas"
	"github.com/adalundhe/easel/core/legacy"
	"github.com/adalundhe/easel/core/lock"
	"github.com/adalundhe/easel/core/metadata"
	"github.com/adalundhe/easel/core/storage"
)

var (
	ErrCanvasNotFound       = metadata.ErrCanvasNotFound
	ErrVersionNotFound      = metadata.ErrVersionNotFound
	ErrOperationTooFrequent = lock.ErrOperationTooFrequent
	ErrMergeConflict        = canvas.ErrMergeConflict
)

// Config wires the service's collaborators.
type Config struct {
	Blobs    storage.BlobStore
	Locks    lock.Service
	Metadata *metadata.Store
	Logger   *slog.Logger
	Retry    lock.RetryPolicy
}

// Service is the canvas sync orchestrator.
type Service struct {
	blobs storage.BlobStore
	locks lock.Service
	meta  *metadata.Store
	cache *snapshotCache
	log   *slog.Logger
	retry lock.RetryPolicy
	now   func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("canvassync: blob store is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("canvassync: lock service is required")
	}
	if cfg.Metadata == nil {
		return nil, errors.New("canvassync: metadata store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialDelay == 0 {
		retry = lock.DefaultRetryPolicy()
	}

	cache, err := newSnapshotCache()
	if err != nil {
		return nil, err
	}

	return &Service{
		blobs: cfg.Blobs,
		locks: cfg.Locks,
		meta:  cfg.Metadata,
		cache: cache,
		log:   logger,
		retry: retry,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) Close() {
	s.cache.Close()
}

// LockState acquires the canvas's named lock, retrying with exponential
// backoff per the configured policy. The returned handle's Release is
// idempotent.
func (s *Service) LockState(ctx context.Context, canvasID string) (*lock.Handle, error) {
	return lock.AcquireWithRetry(ctx, s.locks, lock.SyncName(canvasID), s.retry)
}

// GetState returns the snapshot at the given version, or the canvas's
// current version when version is empty. A canvas that predates the
// snapshot format is lazily migrated on first access. Fails with
// ErrCanvasNotFound for a missing or inaccessible canvas and
// ErrVersionNotFound for an explicit version with no snapshot.
func (s *Service) GetState(ctx context.Context, uid, canvasID, version string) (canvas.State, error) {
	c, err := s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.State{}, err
	}

	if version == "" {
		if c.IsLegacy() || c.Version == "" {
			return s.materializeCurrent(ctx, c.ID)
		}
		return s.loadState(ctx, c.ID, c.Version)
	}

	if version == c.Version {
		return s.loadState(ctx, c.ID, version)
	}

	// Superseded versions are immutable once the pointer moves past them,
	// so they are safe to serve from cache.
	if state, ok := s.cache.Get(c.ID, version); ok {
		return state, nil
	}
	if _, err := s.meta.GetVersionRecord(ctx, c.ID, version); err != nil {
		return canvas.State{}, err
	}
	state, err := s.loadState(ctx, c.ID, version)
	if err != nil {
		return canvas.State{}, err
	}
	if info, err := s.blobs.Stat(ctx, storage.StateKey(c.ID, version)); err == nil {
		s.cache.Set(c.ID, version, state, info.Size)
	}
	return state, nil
}

// GetCanvasData returns only the rendered graph of the canvas's current
// version.
func (s *Service) GetCanvasData(ctx context.Context, uid, canvasID string) ([]canvas.Node, []canvas.Edge, error) {
	state, err := s.GetState(ctx, uid, canvasID, "")
	if err != nil {
		return nil, nil, err
	}
	return state.Nodes, state.Edges, nil
}

// GetTransactions returns the current version's transactions created after
// since, in log order.
func (s *Service) GetTransactions(ctx context.Context, uid, canvasID string, since time.Time) ([]canvas.Transaction, error) {
	state, err := s.GetState(ctx, uid, canvasID, "")
	if err != nil {
		return nil, err
	}

	var out []canvas.Transaction
	for _, tx := range state.Transactions {
		if tx.CreatedAt.After(since) {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

// resolveCanvas loads the canvas record and enforces ownership: a canvas
// another user owns is reported as not found, never as forbidden.
func (s *Service) resolveCanvas(ctx context.Context, uid, canvasID string) (metadata.Canvas, error) {
	c, err := s.meta.GetCanvas(ctx, canvasID)
	if err != nil {
		return metadata.Canvas{}, err
	}
	if uid != "" && c.UID != "" && c.UID != uid {
		return metadata.Canvas{}, fmt.Errorf("canvas %q: %w", canvasID, ErrCanvasNotFound)
	}
	return c, nil
}

// materializeCurrent mints the canvas's first version on the read path.
// Lazy initialization and the legacy migration both move the version
// pointer, so they run under the canvas lock like any other write; the
// record is re-read once the lock is held because a rival reader or writer
// may have materialized the version first.
func (s *Service) materializeCurrent(ctx context.Context, canvasID string) (canvas.State, error) {
	handle, err := s.LockState(ctx, canvasID)
	if err != nil {
		return canvas.State{}, err
	}
	defer handle.Release()

	c, err := s.meta.GetCanvas(ctx, canvasID)
	if err != nil {
		return canvas.State{}, err
	}
	return s.stateForWrite(ctx, c)
}

// stateForWrite returns the canvas's current state for a read-modify-write
// cycle, materializing the first version (or running the legacy migration)
// for a canvas that has never been read.
func (s *Service) stateForWrite(ctx context.Context, c metadata.Canvas) (canvas.State, error) {
	if c.IsLegacy() {
		return s.migrateLegacy(ctx, c)
	}
	if c.Version == "" {
		return s.initializeCanvas(ctx, c)
	}
	return s.loadState(ctx, c.ID, c.Version)
}

// loadState reads and decodes the snapshot blob for one version. A missing
// blob surfaces as ErrVersionNotFound.
func (s *Service) loadState(ctx context.Context, canvasID, version string) (canvas.State, error) {
	raw, err := s.blobs.Get(ctx, storage.StateKey(canvasID, version))
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return canvas.State{}, fmt.Errorf("version %q of canvas %q: %w", version, canvasID, ErrVersionNotFound)
		}
		return canvas.State{}, err
	}

	var state canvas.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return canvas.State{}, fmt.Errorf("decode state %q/%q: %w", canvasID, version, err)
	}
	return state, nil
}

// initializeCanvas persists an empty first version for a canvas with no
// prior snapshot and no legacy document.
func (s *Service) initializeCanvas(ctx context.Context, c metadata.Canvas) (canvas.State, error) {
	state := canvas.NewState(canvas.NewVersionID())
	state.CreatedAt = s.now()
	state.UpdatedAt = state.CreatedAt

	if _, err := s.SaveState(ctx, c.ID, state); err != nil {
		return canvas.State{}, err
	}
	if err := s.meta.SetCurrentVersion(ctx, metadata.VersionRecord{
		CanvasID:        c.ID,
		Version:         state.Version,
		Hash:            canvas.ContentHash(state),
		StateStorageKey: storage.StateKey(c.ID, state.Version),
		CreatedAt:       state.CreatedAt,
	}); err != nil {
		return canvas.State{}, err
	}

	s.log.Info("initialized canvas", "canvas", c.ID, "version", state.Version)
	return state, nil
}

// migrateLegacy converts the canvas's legacy binary document into a first
// snapshot version. The migration runs at most once: it flips the version
// pointer, and later reads take the snapshot path.
func (s *Service) migrateLegacy(ctx context.Context, c metadata.Canvas) (canvas.State, error) {
	raw, err := s.blobs.Get(ctx, c.StateStorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return canvas.State{}, fmt.Errorf("legacy document for canvas %q: %w", c.ID, ErrCanvasNotFound)
		}
		return canvas.State{}, err
	}

	state, err := legacy.DocToState(raw)
	if err != nil {
		return canvas.State{}, fmt.Errorf("migrate canvas %q: %w", c.ID, err)
	}

	now := s.now()
	state.Version = canvas.NewVersionID()
	state.CreatedAt = now
	state.UpdatedAt = now
	state.History = []canvas.HistoryEntry{{
		Version:   c.StateStorageKey,
		Timestamp: now,
		Hash:      canvas.ContentHash(state),
	}}

	if _, err := s.SaveState(ctx, c.ID, state); err != nil {
		return canvas.State{}, err
	}
	if err := s.meta.SetCurrentVersion(ctx, metadata.VersionRecord{
		CanvasID:        c.ID,
		Version:         state.Version,
		Hash:            canvas.ContentHash(state),
		StateStorageKey: storage.StateKey(c.ID, state.Version),
		CreatedAt:       now,
	}); err != nil {
		return canvas.State{}, err
	}

	s.log.Info("migrated legacy canvas", "canvas", c.ID, "version", state.Version,
		"nodes", len(state.Nodes), "edges", len(state.Edges))
	return state, nil
}
