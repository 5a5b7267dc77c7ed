package canvas

import (
	"testing"
	"time"
)

func TestStateCloneIsDeep(t *testing.T) {
	t.Parallel()

	state := NewState("v1")
	state.Nodes = []Node{{ID: "n1", Type: "text", Data: map[string]any{"nested": map[string]any{"v": 1}}}}
	state.Variables = map[string]any{"k": []any{1, 2}}

	clone := state.Clone()
	clone.Nodes[0].Data["nested"].(map[string]any)["v"] = 99
	clone.Variables["k"].([]any)[0] = 99

	if state.Nodes[0].Data["nested"].(map[string]any)["v"] != 1 {
		t.Error("node data shared between clone and original")
	}
	if state.Variables["k"].([]any)[0] != 1 {
		t.Error("variables shared between clone and original")
	}
}

func TestUnsyncedTransactions(t *testing.T) {
	t.Parallel()

	state := NewState("v1")
	synced := NewTransaction(TxSourceUser)
	syncedAt := time.Now().UTC()
	synced.SyncedAt = &syncedAt
	pending := NewTransaction(TxSourceUser)
	state.Transactions = []Transaction{synced, pending}

	unsynced := state.UnsyncedTransactions()
	if len(unsynced) != 1 || unsynced[0].TxID != pending.TxID {
		t.Fatalf("unsynced: got %v, want only %s", unsynced, pending.TxID)
	}
}

func TestLastTransactionTime(t *testing.T) {
	t.Parallel()

	state := NewState("v1")
	state.UpdatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !state.LastTransactionTime().Equal(state.UpdatedAt) {
		t.Error("empty log should fall back to UpdatedAt")
	}

	early := NewTransaction(TxSourceUser)
	early.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	late := NewTransaction(TxSourceUser)
	late.CreatedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	state.Transactions = []Transaction{late, early}

	if !state.LastTransactionTime().Equal(late.CreatedAt) {
		t.Errorf("got %v, want %v", state.LastTransactionTime(), late.CreatedAt)
	}
}

func TestNewTransactionHasUniqueID(t *testing.T) {
	t.Parallel()

	a := NewTransaction(TxSourceUser)
	b := NewTransaction(TxSourceUser)

	if a.TxID == "" || a.TxID == b.TxID {
		t.Errorf("transaction ids must be unique, got %q and %q", a.TxID, b.TxID)
	}
	if a.Source != TxSourceUser {
		t.Errorf("source: got %q", a.Source)
	}
}
