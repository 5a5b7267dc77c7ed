package canvas

import (
	"reflect"
)

// ComputeDiff produces a system-sourced transaction whose diffs, folded onto
// old via Apply, reproduce target's nodes and edges exactly. Used to convert
// externally supplied desired states (legacy migrations, forced overwrites)
// into the transaction-log representation.
func ComputeDiff(old, target State) Transaction {
	tx := NewTransaction(TxSourceSystem)
	tx.NodeDiffs = diffNodes(old.Nodes, target.Nodes)
	tx.EdgeDiffs = diffEdges(old.Edges, target.Edges)

	if !foldReproduces(old, target, tx) {
		// Survivor ordering diverged; a minimal diff cannot express moves,
		// so fall back to a full rewrite.
		tx.NodeDiffs = rewriteNodes(old.Nodes, target.Nodes)
		tx.EdgeDiffs = rewriteEdges(old.Edges, target.Edges)
	}

	return tx
}

// ShouldCreateNewVersion reports whether a save warrants a new version
// boundary. False only when the transaction log is empty.
func ShouldCreateNewVersion(s State) bool {
	return len(s.Transactions) > 0
}

func diffNodes(old, target []Node) []NodeDiff {
	oldByID := make(map[string]*Node, len(old))
	for i := range old {
		oldByID[old[i].ID] = &old[i]
	}
	targetIDs := make(map[string]struct{}, len(target))

	var diffs []NodeDiff
	for i := range target {
		node := target[i]
		targetIDs[node.ID] = struct{}{}
		prior, ok := oldByID[node.ID]
		if !ok {
			to := node.Clone()
			diffs = append(diffs, NodeDiff{Type: DiffAdd, ID: node.ID, To: &to})
			continue
		}
		if !reflect.DeepEqual(*prior, node) {
			from := prior.Clone()
			to := node.Clone()
			diffs = append(diffs, NodeDiff{Type: DiffUpdate, ID: node.ID, From: &from, To: &to})
		}
	}
	for i := range old {
		if _, ok := targetIDs[old[i].ID]; !ok {
			from := old[i].Clone()
			diffs = append(diffs, NodeDiff{Type: DiffDelete, ID: old[i].ID, From: &from})
		}
	}
	return diffs
}

func diffEdges(old, target []Edge) []EdgeDiff {
	oldByID := make(map[string]*Edge, len(old))
	for i := range old {
		oldByID[old[i].ID] = &old[i]
	}
	targetIDs := make(map[string]struct{}, len(target))

	var diffs []EdgeDiff
	for i := range target {
		edge := target[i]
		targetIDs[edge.ID] = struct{}{}
		prior, ok := oldByID[edge.ID]
		if !ok {
			to := edge.Clone()
			diffs = append(diffs, EdgeDiff{Type: DiffAdd, ID: edge.ID, To: &to})
			continue
		}
		if !reflect.DeepEqual(*prior, edge) {
			from := prior.Clone()
			to := edge.Clone()
			diffs = append(diffs, EdgeDiff{Type: DiffUpdate, ID: edge.ID, From: &from, To: &to})
		}
	}
	for i := range old {
		if _, ok := targetIDs[old[i].ID]; !ok {
			from := old[i].Clone()
			diffs = append(diffs, EdgeDiff{Type: DiffDelete, ID: old[i].ID, From: &from})
		}
	}
	return diffs
}

func rewriteNodes(old, target []Node) []NodeDiff {
	diffs := make([]NodeDiff, 0, len(old)+len(target))
	for i := range old {
		from := old[i].Clone()
		diffs = append(diffs, NodeDiff{Type: DiffDelete, ID: old[i].ID, From: &from})
	}
	for i := range target {
		to := target[i].Clone()
		diffs = append(diffs, NodeDiff{Type: DiffAdd, ID: target[i].ID, To: &to})
	}
	return diffs
}

func rewriteEdges(old, target []Edge) []EdgeDiff {
	diffs := make([]EdgeDiff, 0, len(old)+len(target))
	for i := range old {
		from := old[i].Clone()
		diffs = append(diffs, EdgeDiff{Type: DiffDelete, ID: old[i].ID, From: &from})
	}
	for i := range target {
		to := target[i].Clone()
		diffs = append(diffs, EdgeDiff{Type: DiffAdd, ID: target[i].ID, To: &to})
	}
	return diffs
}

func foldReproduces(old, target State, tx Transaction) bool {
	nodes := make([]Node, len(old.Nodes))
	for i := range old.Nodes {
		nodes[i] = old.Nodes[i].Clone()
	}
	edges := make([]Edge, len(old.Edges))
	for i := range old.Edges {
		edges[i] = old.Edges[i].Clone()
	}

	nodes, edges, _ = applyTransaction(nodes, edges, tx)
	return reflect.DeepEqual(nodes, target.Nodes) && reflect.DeepEqual(edges, target.Edges)
}
