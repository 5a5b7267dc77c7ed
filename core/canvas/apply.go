package canvas

import (
	"time"
)

// SkippedDiff reports an update or delete whose target id was absent when
// the diff was applied. Skips are tolerated, never fatal; callers surface
// them at warning level.
type SkippedDiff struct {
	TxID string
	Kind string // "node" or "edge"
	Type DiffType
	ID   string
}

// Apply folds the transactions, in order, onto the state and returns the
// resulting state plus any skipped diffs. The input state is not mutated.
// The applied transactions are appended to the returned state's log so the
// nodes/edges projection stays exactly the fold of the log.
func Apply(state State, txs []Transaction) (State, []SkippedDiff) {
	return ApplyAt(state, txs, time.Now().UTC())
}

// ApplyAt is Apply with an explicit application time, for deterministic use.
func ApplyAt(state State, txs []Transaction, now time.Time) (State, []SkippedDiff) {
	out := state.Clone()
	var skipped []SkippedDiff

	for _, tx := range txs {
		var txSkipped []SkippedDiff
		out.Nodes, out.Edges, txSkipped = applyTransaction(out.Nodes, out.Edges, tx)
		skipped = append(skipped, txSkipped...)
		out.Transactions = append(out.Transactions, tx.Clone())
	}

	out.UpdatedAt = now
	return out, skipped
}

// applyTransaction applies one transaction's diffs to the given projection,
// node diffs first, each list in order.
func applyTransaction(nodes []Node, edges []Edge, tx Transaction) ([]Node, []Edge, []SkippedDiff) {
	var skipped []SkippedDiff

	for _, d := range tx.NodeDiffs {
		var ok bool
		nodes, ok = applyNodeDiff(nodes, d)
		if !ok {
			skipped = append(skipped, SkippedDiff{TxID: tx.TxID, Kind: "node", Type: d.Type, ID: d.ID})
		}
	}
	for _, d := range tx.EdgeDiffs {
		var ok bool
		edges, ok = applyEdgeDiff(edges, d)
		if !ok {
			skipped = append(skipped, SkippedDiff{TxID: tx.TxID, Kind: "edge", Type: d.Type, ID: d.ID})
		}
	}

	return nodes, edges, skipped
}

func applyNodeDiff(nodes []Node, d NodeDiff) ([]Node, bool) {
	idx := nodeIndex(nodes, d.ID)

	switch d.Type {
	case DiffAdd:
		if idx >= 0 {
			return nodes, true
		}
		if d.To == nil {
			return nodes, false
		}
		added := d.To.Clone()
		return append(nodes, added), true
	case DiffUpdate:
		if idx < 0 || d.To == nil {
			return nodes, false
		}
		nodes[idx] = d.To.Clone()
		return nodes, true
	case DiffDelete:
		if idx < 0 {
			return nodes, false
		}
		return append(nodes[:idx], nodes[idx+1:]...), true
	default:
		return nodes, false
	}
}

func applyEdgeDiff(edges []Edge, d EdgeDiff) ([]Edge, bool) {
	idx := edgeIndex(edges, d.ID)

	switch d.Type {
	case DiffAdd:
		if idx >= 0 {
			return edges, true
		}
		if d.To == nil {
			return edges, false
		}
		added := d.To.Clone()
		return append(edges, added), true
	case DiffUpdate:
		if idx < 0 || d.To == nil {
			return edges, false
		}
		edges[idx] = d.To.Clone()
		return edges, true
	case DiffDelete:
		if idx < 0 {
			return edges, false
		}
		return append(edges[:idx], edges[idx+1:]...), true
	default:
		return edges, false
	}
}

func nodeIndex(nodes []Node, id string) int {
	for i := range nodes {
		if nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func edgeIndex(edges []Edge, id string) int {
	for i := range edges {
		if edges[i].ID == id {
			return i
		}
	}
	return -1
}
