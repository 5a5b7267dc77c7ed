package canvassync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/adalundhe/easel/core/canvas"
	"github.com/adalundhe/easel/core/lock"
	"github.com/adalundhe/easel/core/metadata"
	"github.com/adalundhe/easel/core/storage"
)

type testEnv struct {
	service *Service
	blobs   *storage.MemoryBlobStore
	locks   *lock.MemoryService
	meta    *metadata.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	blobs := storage.NewMemoryBlobStore()
	locks := lock.NewMemoryService()

	meta, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	service, err := NewService(Config{
		Blobs:    blobs,
		Locks:    locks,
		Metadata: meta,
		Logger:   slog.New(slog.DiscardHandler),
		Retry:    lock.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, Multiplier: 2.0},
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(service.Close)

	return &testEnv{service: service, blobs: blobs, locks: locks, meta: meta}
}

func (e *testEnv) createCanvas(t *testing.T, id, uid string) {
	t.Helper()
	if err := e.service.CreateCanvas(context.Background(), metadata.Canvas{ID: id, UID: uid}); err != nil {
		t.Fatalf("CreateCanvas failed: %v", err)
	}
}

func TestGetStateInitializesNewCanvas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")

	state, err := env.service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Version == "" {
		t.Fatal("initialized canvas should have a version")
	}
	if len(state.Nodes) != 0 || len(state.Transactions) != 0 {
		t.Errorf("initialized canvas should be empty, got %+v", state)
	}

	c, err := env.meta.GetCanvas(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCanvas failed: %v", err)
	}
	if c.Version != state.Version {
		t.Errorf("version pointer %q does not match state version %q", c.Version, state.Version)
	}
}

func TestGetStateUnknownCanvas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.service.GetState(context.Background(), "u1", "missing", "")
	if !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("got %v, want ErrCanvasNotFound", err)
	}
}

func TestGetStateOwnershipMismatchReadsAsNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.createCanvas(t, "c1", "owner")

	_, err := env.service.GetState(context.Background(), "intruder", "c1", "")
	if !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("got %v, want ErrCanvasNotFound", err)
	}
}

func TestGetStateUnknownVersion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")

	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	_, err := env.service.GetState(ctx, "u1", "c1", "no-such-version")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("got %v, want ErrVersionNotFound", err)
	}
}

func addNodeTx(id, nodeType string) canvas.Transaction {
	tx := canvas.NewTransaction(canvas.TxSourceUser)
	node := canvas.Node{ID: id, Type: nodeType}
	tx.NodeDiffs = []canvas.NodeDiff{{Type: canvas.DiffAdd, ID: id, To: &node}}
	return tx
}

func TestSyncStateAppliesTransactions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	state, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}
	if len(state.Nodes) != 1 || state.Nodes[0].ID != "n1" {
		t.Fatalf("nodes: got %v", state.Nodes)
	}
	if len(state.Transactions) != 1 {
		t.Errorf("log: got %d, want 1", len(state.Transactions))
	}

	reloaded, err := env.service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(reloaded.Nodes) != 1 {
		t.Error("sync result was not persisted")
	}
	if env.locks.Held(lock.SyncName("c1")) {
		t.Error("sync must release the canvas lock")
	}
}

func TestSyncStateUpdatesUsedToolsets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	txs := []canvas.Transaction{addNodeTx("n1", "text"), addNodeTx("n2", "image"), addNodeTx("n3", "text")}
	if _, err := env.service.SyncState(ctx, "u1", "c1", txs, "", nil); err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}

	c, err := env.meta.GetCanvas(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCanvas failed: %v", err)
	}
	if len(c.UsedToolsets) != 2 || c.UsedToolsets[0] != "image" || c.UsedToolsets[1] != "text" {
		t.Errorf("toolsets: got %v, want [image text]", c.UsedToolsets)
	}
}

func TestSyncStateEmptyTransactionsIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	before, err := env.service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	after, err := env.service.SyncState(ctx, "u1", "c1", nil, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}
	if after.Version != before.Version || len(after.Transactions) != 0 {
		t.Errorf("empty sync changed state: %+v", after)
	}
}

func TestSyncStateLockContention(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	held, err := env.service.LockState(ctx, "c1")
	if err != nil {
		t.Fatalf("LockState failed: %v", err)
	}
	defer held.Release()

	_, err = env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil)
	if !errors.Is(err, ErrOperationTooFrequent) {
		t.Fatalf("got %v, want ErrOperationTooFrequent", err)
	}
}

func TestSyncStateConcurrentWritersSerialize(t *testing.T) {
	t.Parallel()

	blobs := storage.NewMemoryBlobStore()
	locks := lock.NewMemoryService()
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	service, err := NewService(Config{
		Blobs:    blobs,
		Locks:    locks,
		Metadata: meta,
		Logger:   slog.New(slog.DiscardHandler),
		Retry:    lock.RetryPolicy{MaxRetries: 100, InitialDelay: time.Millisecond, Multiplier: 1.0},
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(service.Close)

	ctx := context.Background()
	if err := service.CreateCanvas(ctx, metadata.Canvas{ID: "c1", UID: "u1"}); err != nil {
		t.Fatalf("CreateCanvas failed: %v", err)
	}
	if _, err := service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			tx := addNodeTx(string(rune('a'+i)), "text")
			_, err := service.SyncState(ctx, "u1", "c1", []canvas.Transaction{tx}, "", nil)
			errs <- err
		}(i)
	}
	for i := 0; i < writers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent sync failed: %v", err)
		}
	}

	state, err := service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Nodes) != writers {
		t.Errorf("nodes: got %d, want %d (lost update)", len(state.Nodes), writers)
	}
	if len(state.Transactions) != writers {
		t.Errorf("log: got %d, want %d", len(state.Transactions), writers)
	}
}

func TestCreateCanvasVersionAdvancesPointer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	synced, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}
	oldVersion := synced.Version

	result, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", synced)
	if err != nil {
		t.Fatalf("CreateCanvasVersion failed: %v", err)
	}
	if result.Conflict != nil {
		t.Fatalf("unexpected conflict: %+v", result.Conflict)
	}
	next := result.State
	if next.Version == oldVersion {
		t.Fatal("new version should differ from old")
	}
	if len(next.Transactions) != 0 {
		t.Errorf("new version should start with an empty log, got %d", len(next.Transactions))
	}
	if len(next.Nodes) != 1 || next.Nodes[0].ID != "n1" {
		t.Errorf("new version nodes: got %v", next.Nodes)
	}
	if len(next.History) != 1 {
		t.Fatalf("history: got %d entries, want 1", len(next.History))
	}
	if next.History[0].Version != oldVersion {
		t.Errorf("history entry: got %q, want %q", next.History[0].Version, oldVersion)
	}
	if next.History[0].Hash != canvas.ContentHash(synced) {
		t.Error("history hash should pin the snapshotted content")
	}

	c, err := env.meta.GetCanvas(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCanvas failed: %v", err)
	}
	if c.Version != next.Version {
		t.Errorf("pointer: got %q, want %q", c.Version, next.Version)
	}

	// Superseded version stays readable and carries the synced log.
	old, err := env.service.GetState(ctx, "u1", "c1", oldVersion)
	if err != nil {
		t.Fatalf("GetState old version failed: %v", err)
	}
	if len(old.Transactions) != 1 || old.Transactions[0].SyncedAt == nil {
		t.Errorf("old version log: got %+v", old.Transactions)
	}
}

func TestCreateCanvasVersionEmptyWindowIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	state, err := env.service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	result, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", state)
	if err != nil {
		t.Fatalf("CreateCanvasVersion failed: %v", err)
	}
	if result.State.Version != state.Version {
		t.Errorf("empty window should not mint a version: got %q, want %q", result.State.Version, state.Version)
	}
}

func TestCreateCanvasVersionStalePointerConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	stale, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}

	// Another writer snapshots first, moving the pointer.
	if _, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", stale.Clone()); err != nil {
		t.Fatalf("first CreateCanvasVersion failed: %v", err)
	}

	result, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", stale)
	if err != nil {
		t.Fatalf("stale CreateCanvasVersion errored: %v", err)
	}
	if result.Conflict == nil {
		t.Fatal("stale version pointer should surface as conflict data")
	}
	if result.Conflict.Local.Version != stale.Version {
		t.Errorf("conflict local version: got %q, want %q", result.Conflict.Local.Version, stale.Version)
	}
	if result.Conflict.Remote.Version == stale.Version {
		t.Error("conflict remote should be the advanced state")
	}
}

func TestCreateCanvasVersionMergeConflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	base, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil)
	if err != nil {
		t.Fatalf("seed SyncState failed: %v", err)
	}

	// Remote deletes the node after the local copy was taken.
	deleteTx := canvas.NewTransaction(canvas.TxSourceUser)
	deleteTx.NodeDiffs = []canvas.NodeDiff{{Type: canvas.DiffDelete, ID: "n1"}}
	if _, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{deleteTx}, "", nil); err != nil {
		t.Fatalf("remote delete failed: %v", err)
	}

	// Local edits the same node against the stale copy.
	updateTx := canvas.NewTransaction(canvas.TxSourceUser)
	updated := canvas.Node{ID: "n1", Type: "text", Data: map[string]any{"v": 2}}
	updateTx.NodeDiffs = []canvas.NodeDiff{{Type: canvas.DiffUpdate, ID: "n1", To: &updated}}
	local, _ := canvas.Apply(base, []canvas.Transaction{updateTx})

	result, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", local)
	if err != nil {
		t.Fatalf("CreateCanvasVersion errored: %v", err)
	}
	if result.Conflict == nil {
		t.Fatal("irreconcilable merge should surface as conflict data")
	}

	// Pointer must not have moved.
	c, _ := env.meta.GetCanvas(ctx, "c1")
	if c.Version != base.Version {
		t.Errorf("pointer moved on conflict: got %q, want %q", c.Version, base.Version)
	}
}

func TestSetStateForcesOverwrite(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if _, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil); err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}

	desired := canvas.NewState("")
	desired.Nodes = []canvas.Node{{ID: "n2", Type: "sticky"}}
	desired.Edges = []canvas.Edge{}

	state, err := env.service.SetState(ctx, "u1", "c1", desired)
	if err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if len(state.Nodes) != 1 || state.Nodes[0].ID != "n2" {
		t.Fatalf("nodes after overwrite: got %v", state.Nodes)
	}
	if env.locks.Held(lock.SyncName("c1")) {
		t.Error("SetState must release the canvas lock")
	}
}

func TestGetTransactionsSince(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	early := addNodeTx("n1", "text")
	early.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := addNodeTx("n2", "text")
	late.CreatedAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{early, late}, "", nil); err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	txs, err := env.service.GetTransactions(ctx, "u1", "c1", since)
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(txs) != 1 || txs[0].TxID != late.TxID {
		t.Fatalf("transactions: got %v, want only the late one", txs)
	}
}

func TestAddNodeToCanvas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	node, state, err := env.service.AddNodeToCanvas(ctx, "u1", "c1", AddNodeRequest{
		Type: "text",
		Data: map[string]any{"body": "hi"},
	})
	if err != nil {
		t.Fatalf("AddNodeToCanvas failed: %v", err)
	}
	if node.ID == "" {
		t.Fatal("node should get an id")
	}
	if _, ok := node.Metadata["position"]; !ok {
		t.Error("node should be auto-placed")
	}
	if len(state.Nodes) != 1 {
		t.Fatalf("state nodes: got %d, want 1", len(state.Nodes))
	}
	if len(state.Transactions) != 1 || state.Transactions[0].Source != canvas.TxSourceSystem {
		t.Errorf("expected one system transaction, got %+v", state.Transactions)
	}
	if env.locks.Held(lock.SyncName("c1")) {
		t.Error("AddNodeToCanvas must release the canvas lock")
	}
}

func TestAddNodeToCanvasConnectTo(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	first, _, err := env.service.AddNodeToCanvas(ctx, "u1", "c1", AddNodeRequest{Type: "text"})
	if err != nil {
		t.Fatalf("first AddNodeToCanvas failed: %v", err)
	}

	second, state, err := env.service.AddNodeToCanvas(ctx, "u1", "c1", AddNodeRequest{
		Type:      "image",
		ConnectTo: first.ID,
	})
	if err != nil {
		t.Fatalf("second AddNodeToCanvas failed: %v", err)
	}
	if len(state.Edges) != 1 {
		t.Fatalf("edges: got %d, want 1", len(state.Edges))
	}
	if state.Edges[0].Source != first.ID || state.Edges[0].Target != second.ID {
		t.Errorf("edge: got %+v", state.Edges[0])
	}
}

func TestAddNodeToCanvasUnknownConnectTarget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	_, _, err := env.service.AddNodeToCanvas(ctx, "u1", "c1", AddNodeRequest{
		Type:      "text",
		ConnectTo: "ghost",
	})
	if err == nil {
		t.Fatal("connect to a missing node should fail")
	}
	if env.locks.Held(lock.SyncName("c1")) {
		t.Error("lock must be released on the failure path")
	}
}

func TestLegacyMigrationRunsOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	doc := automerge.New()
	if err := doc.Path("nodes").Set([]map[string]any{
		{"id": "n1", "type": "text", "data": map[string]any{"body": "old"}},
	}); err != nil {
		t.Fatalf("build legacy doc: %v", err)
	}
	if err := doc.Path("edges").Set([]map[string]any{}); err != nil {
		t.Fatalf("build legacy doc: %v", err)
	}

	legacyKey := "legacy-docs/c1"
	if err := env.blobs.Put(ctx, legacyKey, doc.Save()); err != nil {
		t.Fatalf("put legacy blob: %v", err)
	}
	if err := env.meta.CreateCanvas(ctx, metadata.Canvas{ID: "c1", UID: "u1", StateStorageKey: legacyKey}); err != nil {
		t.Fatalf("CreateCanvas failed: %v", err)
	}

	state, err := env.service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Nodes) != 1 || state.Nodes[0].ID != "n1" {
		t.Fatalf("migrated nodes: got %v", state.Nodes)
	}
	if state.Version == "" {
		t.Fatal("migration should assign a version")
	}
	if len(state.History) != 1 || state.History[0].Version != legacyKey {
		t.Errorf("history should reference the legacy document, got %+v", state.History)
	}

	again, err := env.service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("second GetState failed: %v", err)
	}
	if again.Version != state.Version {
		t.Errorf("migration ran twice: %q then %q", state.Version, again.Version)
	}
}

func TestDeleteCanvasHidesState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if err := env.service.DeleteCanvas(ctx, "u1", "c1"); err != nil {
		t.Fatalf("DeleteCanvas failed: %v", err)
	}
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("got %v, want ErrCanvasNotFound after delete", err)
	}
}

func TestListVersionsThroughService(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	synced, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("n1", "text")}, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}
	if _, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", synced); err != nil {
		t.Fatalf("CreateCanvasVersion failed: %v", err)
	}

	records, err := env.service.ListVersions(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records: got %d, want 2 (initial + snapshot)", len(records))
	}
}

// gateLocks runs a callback once, just before the first acquire attempt is
// delegated, so a test can interleave a rival operation at the point where
// the caller has resolved the canvas but does not yet hold the lock.
type gateLocks struct {
	inner  lock.Service
	before func()

	mu    sync.Mutex
	fired bool
}

func (g *gateLocks) TryAcquire(ctx context.Context, name string) (*lock.Handle, error) {
	g.mu.Lock()
	fire := !g.fired
	g.fired = true
	g.mu.Unlock()

	if fire && g.before != nil {
		g.before()
	}
	return g.inner.TryAcquire(ctx, name)
}

func newGateEnv(t *testing.T) (*Service, *gateLocks) {
	t.Helper()

	gate := &gateLocks{inner: lock.NewMemoryService()}
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	service, err := NewService(Config{
		Blobs:    storage.NewMemoryBlobStore(),
		Locks:    gate,
		Metadata: meta,
		Logger:   slog.New(slog.DiscardHandler),
		Retry:    lock.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, Multiplier: 2.0},
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(service.Close)

	return service, gate
}

func TestSyncStateObservesRivalWriter(t *testing.T) {
	t.Parallel()

	service, gate := newGateEnv(t)
	ctx := context.Background()
	if err := service.CreateCanvas(ctx, metadata.Canvas{ID: "c1", UID: "u1"}); err != nil {
		t.Fatalf("CreateCanvas failed: %v", err)
	}

	// The rival lands a full sync between this writer's record read and its
	// lock acquisition, on a canvas that has never minted a version.
	gate.before = func() {
		if _, err := service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("a", "text")}, "", nil); err != nil {
			t.Errorf("rival SyncState failed: %v", err)
		}
	}

	state, err := service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("b", "text")}, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}
	if len(state.Nodes) != 2 {
		t.Fatalf("nodes: got %v, want both a and b", state.Nodes)
	}

	reloaded, err := service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(reloaded.Nodes) != 2 || len(reloaded.Transactions) != 2 {
		t.Errorf("persisted state lost the rival's write: nodes=%v txs=%d", reloaded.Nodes, len(reloaded.Transactions))
	}
}

func TestGetStateConcurrentFirstReadsInitializeOnce(t *testing.T) {
	t.Parallel()

	service, gate := newGateEnv(t)
	ctx := context.Background()
	if err := service.CreateCanvas(ctx, metadata.Canvas{ID: "c1", UID: "u1"}); err != nil {
		t.Fatalf("CreateCanvas failed: %v", err)
	}

	var rivalVersion string
	gate.before = func() {
		state, err := service.GetState(ctx, "u1", "c1", "")
		if err != nil {
			t.Errorf("rival GetState failed: %v", err)
			return
		}
		rivalVersion = state.Version
	}

	state, err := service.GetState(ctx, "u1", "c1", "")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Version != rivalVersion {
		t.Errorf("first reads minted distinct versions: %q vs %q", state.Version, rivalVersion)
	}

	records, err := service.ListVersions(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("version index: got %d records, want 1", len(records))
	}
}

func TestSyncStateToSupersededVersionRefreshesReads(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createCanvas(t, "c1", "u1")
	if _, err := env.service.GetState(ctx, "u1", "c1", ""); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	synced, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("a", "text")}, "", nil)
	if err != nil {
		t.Fatalf("SyncState failed: %v", err)
	}
	oldVersion := synced.Version
	if _, err := env.service.CreateCanvasVersion(ctx, "u1", "c1", synced); err != nil {
		t.Fatalf("CreateCanvasVersion failed: %v", err)
	}

	// Reading the superseded version admits it into the snapshot cache.
	if _, err := env.service.GetState(ctx, "u1", "c1", oldVersion); err != nil {
		t.Fatalf("GetState old version failed: %v", err)
	}
	env.service.cache.cache.Wait()

	if _, err := env.service.SyncState(ctx, "u1", "c1", []canvas.Transaction{addNodeTx("x", "text")}, oldVersion, nil); err != nil {
		t.Fatalf("explicit-version SyncState failed: %v", err)
	}
	env.service.cache.cache.Wait()

	again, err := env.service.GetState(ctx, "u1", "c1", oldVersion)
	if err != nil {
		t.Fatalf("GetState after rewrite failed: %v", err)
	}
	if !hasNode(again.Nodes, "x") {
		t.Fatalf("rewritten version read stale: nodes=%v, want x present", again.Nodes)
	}
}
