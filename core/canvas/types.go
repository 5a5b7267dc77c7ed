package canvas

import (
	"time"

	"github.com/google/uuid"
)

// TxSource identifies who produced a transaction.
type TxSource string

const (
	TxSourceUser   TxSource = "user"
	TxSourceSystem TxSource = "system"
)

// DiffType is the kind of change a diff entry carries.
type DiffType string

const (
	DiffAdd    DiffType = "add"
	DiffUpdate DiffType = "update"
	DiffDelete DiffType = "delete"
)

// Node is one vertex of the canvas graph. Type tags the payload; Data holds
// the type-specific fields and Metadata holds forward-compatible extension
// fields the engine does not interpret.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID       string         `json:"id"`
	Type     string         `json:"type,omitempty"`
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeDiff is one ordered change to the node set.
type NodeDiff struct {
	Type DiffType `json:"type"`
	ID   string   `json:"id"`
	From *Node    `json:"from,omitempty"`
	To   *Node    `json:"to,omitempty"`
}

// EdgeDiff is one ordered change to the edge set.
type EdgeDiff struct {
	Type DiffType `json:"type"`
	ID   string   `json:"id"`
	From *Edge    `json:"from,omitempty"`
	To   *Edge    `json:"to,omitempty"`
}

// Transaction is one atomic batch of node/edge diffs. Diffs are applied in
// list order, node diffs before edge diffs.
type Transaction struct {
	TxID      string     `json:"txId"`
	CreatedAt time.Time  `json:"createdAt"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty"`
	Source    TxSource   `json:"source"`
	NodeDiffs []NodeDiff `json:"nodeDiffs,omitempty"`
	EdgeDiffs []EdgeDiff `json:"edgeDiffs,omitempty"`
}

// NewTransaction returns an empty transaction with a fresh id.
func NewTransaction(source TxSource) Transaction {
	return Transaction{
		TxID:      uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
}

func (t *Transaction) IsEmpty() bool {
	return len(t.NodeDiffs) == 0 && len(t.EdgeDiffs) == 0
}

func (t *Transaction) Clone() Transaction {
	out := Transaction{
		TxID:      t.TxID,
		CreatedAt: t.CreatedAt,
		Source:    t.Source,
	}
	if t.SyncedAt != nil {
		syncedAt := *t.SyncedAt
		out.SyncedAt = &syncedAt
	}
	if t.NodeDiffs != nil {
		out.NodeDiffs = make([]NodeDiff, len(t.NodeDiffs))
		for i, d := range t.NodeDiffs {
			out.NodeDiffs[i] = d.Clone()
		}
	}
	if t.EdgeDiffs != nil {
		out.EdgeDiffs = make([]EdgeDiff, len(t.EdgeDiffs))
		for i, d := range t.EdgeDiffs {
			out.EdgeDiffs[i] = d.Clone()
		}
	}
	return out
}

// HistoryEntry records one prior version in the provenance chain. Immutable
// once written; entries are appended oldest-first.
type HistoryEntry struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
}

// State is the authoritative snapshot for one version of one canvas. Nodes
// and Edges are always exactly the fold of Transactions onto the state at
// the start of the current version window; only the applier mutates them.
type State struct {
	Version      string         `json:"version"`
	Nodes        []Node         `json:"nodes"`
	Edges        []Edge         `json:"edges"`
	Transactions []Transaction  `json:"transactions"`
	History      []HistoryEntry `json:"history,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// NewState returns an empty state at the given version.
func NewState(version string) State {
	now := time.Now().UTC()
	return State{
		Version:      version,
		Nodes:        []Node{},
		Edges:        []Edge{},
		Transactions: []Transaction{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewVersionID returns a fresh opaque version identifier.
func NewVersionID() string {
	return uuid.NewString()
}

func (n *Node) Clone() Node {
	return Node{
		ID:       n.ID,
		Type:     n.Type,
		Data:     cloneAnyMap(n.Data),
		Metadata: cloneAnyMap(n.Metadata),
	}
}

func (e *Edge) Clone() Edge {
	return Edge{
		ID:       e.ID,
		Type:     e.Type,
		Source:   e.Source,
		Target:   e.Target,
		Metadata: cloneAnyMap(e.Metadata),
	}
}

func (d *NodeDiff) Clone() NodeDiff {
	out := NodeDiff{Type: d.Type, ID: d.ID}
	if d.From != nil {
		from := d.From.Clone()
		out.From = &from
	}
	if d.To != nil {
		to := d.To.Clone()
		out.To = &to
	}
	return out
}

func (d *EdgeDiff) Clone() EdgeDiff {
	out := EdgeDiff{Type: d.Type, ID: d.ID}
	if d.From != nil {
		from := d.From.Clone()
		out.From = &from
	}
	if d.To != nil {
		to := d.To.Clone()
		out.To = &to
	}
	return out
}

func (s *State) Clone() State {
	out := State{
		Version:   s.Version,
		Variables: cloneAnyMap(s.Variables),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	out.Nodes = make([]Node, len(s.Nodes))
	for i := range s.Nodes {
		out.Nodes[i] = s.Nodes[i].Clone()
	}
	out.Edges = make([]Edge, len(s.Edges))
	for i := range s.Edges {
		out.Edges[i] = s.Edges[i].Clone()
	}
	out.Transactions = make([]Transaction, len(s.Transactions))
	for i := range s.Transactions {
		out.Transactions[i] = s.Transactions[i].Clone()
	}
	if s.History != nil {
		out.History = make([]HistoryEntry, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// UnsyncedTransactions returns the transactions not yet stamped with a
// SyncedAt timestamp, in log order.
func (s *State) UnsyncedTransactions() []Transaction {
	var out []Transaction
	for _, tx := range s.Transactions {
		if tx.SyncedAt == nil {
			out = append(out, tx.Clone())
		}
	}
	return out
}

// LastTransactionTime returns the CreatedAt of the newest transaction in the
// log, or the state's UpdatedAt when the log is empty.
func (s *State) LastTransactionTime() time.Time {
	if len(s.Transactions) == 0 {
		return s.UpdatedAt
	}
	last := s.Transactions[0].CreatedAt
	for _, tx := range s.Transactions[1:] {
		if tx.CreatedAt.After(last) {
			last = tx.CreatedAt
		}
	}
	return last
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAnyValue(v)
	}
	return out
}

func cloneAnyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneAnyMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneAnyValue(item)
		}
		return out
	default:
		return v
	}
}
