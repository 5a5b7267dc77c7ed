package canvassync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/adalundhe/easel/core/canvas"
	"github.com/adalundhe/easel/core/lock"
	"github.com/adalundhe/easel/core/metadata"
	"github.com/adalundhe/easel/core/storage"
)

// Conflict carries both sides of an irreconcilable divergence so the caller
// can reconcile client-side, typically by re-submitting on top of Remote.
type Conflict struct {
	Local  canvas.State `json:"localState"`
	Remote canvas.State `json:"remoteState"`
}

// VersionResult is the outcome of CreateCanvasVersion. Conflicts are data,
// not faults: when Conflict is non-nil the canvas was left untouched.
type VersionResult struct {
	State    canvas.State
	Conflict *Conflict
}

// SaveState persists the state blob under its canvas/version key, assigning
// a version id first if the state has none, and refreshes the canvas's
// used-toolsets summary when it changed. It never locks; callers needing
// read-modify-write atomicity hold the canvas lock themselves.
func (s *Service) SaveState(ctx context.Context, canvasID string, state canvas.State) (canvas.State, error) {
	if state.Version == "" {
		state.Version = canvas.NewVersionID()
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return canvas.State{}, fmt.Errorf("encode state %q/%q: %w", canvasID, state.Version, err)
	}
	if err := s.blobs.Put(ctx, storage.StateKey(canvasID, state.Version), raw); err != nil {
		return canvas.State{}, err
	}
	// A superseded version rewritten through an explicit-version sync must
	// not keep serving its pre-write snapshot from cache.
	s.cache.Del(canvasID, state.Version)

	if err := s.refreshUsedToolsets(ctx, canvasID, state.Nodes); err != nil {
		return canvas.State{}, err
	}
	return state, nil
}

// refreshUsedToolsets recomputes the toolset summary from the node set and
// writes it only when it differs from the stored value.
func (s *Service) refreshUsedToolsets(ctx context.Context, canvasID string, nodes []canvas.Node) error {
	toolsets := usedToolsets(nodes)

	c, err := s.meta.GetCanvas(ctx, canvasID)
	if err != nil {
		return err
	}
	if slices.Equal(c.UsedToolsets, toolsets) {
		return nil
	}
	return s.meta.UpdateUsedToolsets(ctx, canvasID, toolsets)
}

func usedToolsets(nodes []canvas.Node) []string {
	seen := make(map[string]struct{}, len(nodes))
	var out []string
	for _, node := range nodes {
		if node.Type == "" {
			continue
		}
		if _, ok := seen[node.Type]; ok {
			continue
		}
		seen[node.Type] = struct{}{}
		out = append(out, node.Type)
	}
	slices.Sort(out)
	return out
}

// SyncState is the primary write path: it folds the given transactions into
// the state at the resolved version and persists the result. The canvas
// lock serializes the read-modify-write cycle; a caller that already holds
// the lock passes it in and keeps ownership of its release.
func (s *Service) SyncState(ctx context.Context, uid, canvasID string, txs []canvas.Transaction, version string, held *lock.Handle) (canvas.State, error) {
	c, err := s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.State{}, err
	}

	if len(txs) == 0 {
		s.log.Warn("sync with no transactions", "canvas", canvasID, "version", version)
		return s.GetState(ctx, uid, canvasID, version)
	}

	handle := held
	if handle == nil {
		handle, err = s.LockState(ctx, canvasID)
		if err != nil {
			return canvas.State{}, err
		}
		// Release on every exit path; a failure mid-fold must not leave
		// the canvas locked.
		defer handle.Release()
	}

	// The pointer may have moved between the ownership check and the
	// acquire; the resolved version must come from under the lock.
	c, err = s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.State{}, err
	}

	var state canvas.State
	if version == "" {
		state, err = s.stateForWrite(ctx, c)
	} else {
		state, err = s.loadState(ctx, canvasID, version)
	}
	if err != nil {
		return canvas.State{}, err
	}

	next, skipped := canvas.ApplyAt(state, txs, s.now())
	for _, skip := range skipped {
		s.log.Warn("skipped diff for unknown target",
			"canvas", canvasID, "tx", skip.TxID, "kind", skip.Kind, "op", string(skip.Type), "id", skip.ID)
	}

	return s.SaveState(ctx, canvasID, next)
}

// SetState force-overwrites the canvas's current state, bypassing merge.
// It is the conflict-resolution escape hatch for callers that already
// reconciled; the desired state is converted to a diff transaction so the
// mutation stays transaction-shaped in the log.
func (s *Service) SetState(ctx context.Context, uid, canvasID string, desired canvas.State) (canvas.State, error) {
	c, err := s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.State{}, err
	}

	handle, err := s.LockState(ctx, canvasID)
	if err != nil {
		return canvas.State{}, err
	}
	defer handle.Release()

	c, err = s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.State{}, err
	}

	current, err := s.stateForWrite(ctx, c)
	if err != nil {
		return canvas.State{}, err
	}

	tx := canvas.ComputeDiff(current, desired)
	if tx.IsEmpty() {
		return current, nil
	}

	next, _ := canvas.ApplyAt(current, []canvas.Transaction{tx}, s.now())
	next.Variables = desired.Variables
	return s.SaveState(ctx, canvasID, next)
}

// CreateCanvasVersion snapshots the accumulated transaction window into a
// new immutable version. With an empty window it is an idempotent no-op.
// Divergence from the server's current state is returned as conflict data,
// never thrown, and the version pointer is left unchanged in that case.
func (s *Service) CreateCanvasVersion(ctx context.Context, uid, canvasID string, state canvas.State) (VersionResult, error) {
	if !canvas.ShouldCreateNewVersion(state) {
		return VersionResult{State: state}, nil
	}

	c, err := s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return VersionResult{}, err
	}

	handle, err := s.LockState(ctx, canvasID)
	if err != nil {
		return VersionResult{}, err
	}
	defer handle.Release()

	// Re-read the record under the lock so the stale-pointer check below
	// compares against the pointer no rival can still move.
	c, err = s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return VersionResult{}, err
	}

	remote, err := s.stateForWrite(ctx, c)
	if err != nil {
		return VersionResult{}, err
	}

	// Another writer already advanced the pointer past the version the
	// caller based its edits on.
	if state.Version != "" && state.Version != remote.Version {
		local := state.Clone()
		return VersionResult{State: remote, Conflict: &Conflict{Local: local, Remote: remote}}, nil
	}

	merged, err := canvas.Merge(state, remote)
	if err != nil {
		if errors.Is(err, canvas.ErrMergeConflict) {
			s.log.Warn("merge conflict creating version", "canvas", canvasID, "version", remote.Version, "err", err)
			local := state.Clone()
			return VersionResult{State: remote, Conflict: &Conflict{Local: local, Remote: remote}}, nil
		}
		return VersionResult{}, err
	}

	changed := s.stampSynced(&merged)
	if changed || len(merged.Transactions) != len(remote.Transactions) {
		if _, err := s.SaveState(ctx, canvasID, merged); err != nil {
			return VersionResult{}, err
		}
	}

	// The new version's graph is the caller's intended state; the history
	// entry hashes that same caller-supplied content and stamps the time
	// of the window's last transaction.
	next := canvas.NewState(canvas.NewVersionID())
	next.CreatedAt = merged.CreatedAt
	next.UpdatedAt = s.now()
	next.Variables = merged.Variables
	next.Nodes = make([]canvas.Node, len(state.Nodes))
	for i := range state.Nodes {
		next.Nodes[i] = state.Nodes[i].Clone()
	}
	next.Edges = make([]canvas.Edge, len(state.Edges))
	for i := range state.Edges {
		next.Edges[i] = state.Edges[i].Clone()
	}
	next.History = append(slices.Clone(merged.History), canvas.HistoryEntry{
		Version:   merged.Version,
		Timestamp: merged.LastTransactionTime(),
		Hash:      canvas.ContentHash(state),
	})

	if _, err := s.SaveState(ctx, canvasID, next); err != nil {
		return VersionResult{}, err
	}
	if err := s.meta.SetCurrentVersion(ctx, metadata.VersionRecord{
		CanvasID:        canvasID,
		Version:         next.Version,
		Hash:            canvas.ContentHash(next),
		StateStorageKey: storage.StateKey(canvasID, next.Version),
		CreatedAt:       next.UpdatedAt,
	}); err != nil {
		return VersionResult{}, err
	}

	s.log.Info("created canvas version", "canvas", canvasID, "from", merged.Version, "version", next.Version)
	return VersionResult{State: next}, nil
}

// stampSynced marks every not-yet-synced transaction as persisted and
// reports whether anything changed.
func (s *Service) stampSynced(state *canvas.State) bool {
	now := s.now()
	changed := false
	for i := range state.Transactions {
		if state.Transactions[i].SyncedAt == nil {
			syncedAt := now
			state.Transactions[i].SyncedAt = &syncedAt
			changed = true
		}
	}
	return changed
}
