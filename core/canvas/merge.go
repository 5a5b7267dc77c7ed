package canvas

import (
	"fmt"
)

// Merge three-way reconciles a caller's local state with the server's
// current remote state for the same version window. The remote projection is
// authoritative as the merge base; any local transaction whose TxID is not
// already present in the remote log is replayed on top of it, so the
// caller's unsynced edits survive without duplicating already-merged ones.
//
// ErrMergeConflict is returned when a replayed local change is structurally
// irreconcilable with the remote history: an update to an entity the remote
// side deleted, or an add that collides with a remote entity of a different
// type. Callers surface conflicts as data, not faults.
func Merge(local, remote State) (State, error) {
	merged := remote.Clone()

	remoteTxIDs := make(map[string]struct{}, len(remote.Transactions))
	for _, tx := range remote.Transactions {
		remoteTxIDs[tx.TxID] = struct{}{}
	}

	localTxIDs := make(map[string]struct{}, len(local.Transactions))
	for _, tx := range local.Transactions {
		localTxIDs[tx.TxID] = struct{}{}
	}

	// Entities deleted by remote-only transactions: local cannot have seen
	// those deletes, so a local update against one is a true divergence.
	remoteDeletedNodes := make(map[string]struct{})
	remoteDeletedEdges := make(map[string]struct{})
	for _, tx := range remote.Transactions {
		if _, ok := localTxIDs[tx.TxID]; ok {
			continue
		}
		for _, d := range tx.NodeDiffs {
			if d.Type == DiffDelete {
				remoteDeletedNodes[d.ID] = struct{}{}
			}
		}
		for _, d := range tx.EdgeDiffs {
			if d.Type == DiffDelete {
				remoteDeletedEdges[d.ID] = struct{}{}
			}
		}
	}

	for _, tx := range local.Transactions {
		if _, ok := remoteTxIDs[tx.TxID]; ok {
			continue
		}
		if err := checkTransactionConflicts(merged, tx, remoteDeletedNodes, remoteDeletedEdges); err != nil {
			return State{}, err
		}
		merged.Nodes, merged.Edges, _ = applyTransaction(merged.Nodes, merged.Edges, tx)
		merged.Transactions = append(merged.Transactions, tx.Clone())
	}

	merged.Variables = mergeVariables(remote.Variables, local.Variables)
	if local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}

	return merged, nil
}

func checkTransactionConflicts(merged State, tx Transaction, deletedNodes, deletedEdges map[string]struct{}) error {
	for _, d := range tx.NodeDiffs {
		switch d.Type {
		case DiffUpdate:
			if nodeIndex(merged.Nodes, d.ID) >= 0 {
				continue
			}
			if _, gone := deletedNodes[d.ID]; gone {
				return fmt.Errorf("node %q updated locally but deleted remotely: %w", d.ID, ErrMergeConflict)
			}
		case DiffAdd:
			idx := nodeIndex(merged.Nodes, d.ID)
			if idx >= 0 && d.To != nil && merged.Nodes[idx].Type != d.To.Type {
				return fmt.Errorf("node %q added on both sides with diverging types %q and %q: %w",
					d.ID, merged.Nodes[idx].Type, d.To.Type, ErrMergeConflict)
			}
		}
	}
	for _, d := range tx.EdgeDiffs {
		if d.Type != DiffUpdate {
			continue
		}
		if edgeIndex(merged.Edges, d.ID) >= 0 {
			continue
		}
		if _, gone := deletedEdges[d.ID]; gone {
			return fmt.Errorf("edge %q updated locally but deleted remotely: %w", d.ID, ErrMergeConflict)
		}
	}
	return nil
}

func mergeVariables(remote, local map[string]any) map[string]any {
	if remote == nil && local == nil {
		return nil
	}
	out := cloneAnyMap(remote)
	if out == nil {
		out = make(map[string]any, len(local))
	}
	for k, v := range local {
		out[k] = cloneAnyValue(v)
	}
	return out
}
