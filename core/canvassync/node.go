package canvassync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/adalundhe/easel/core/canvas"
)

// AddNodeRequest describes a programmatic node addition.
type AddNodeRequest struct {
	Type      string
	Data      map[string]any
	Metadata  map[string]any
	ConnectTo string // optional existing node to link the new node to
}

// AddNodeToCanvas appends a node to the canvas's current version as a
// system transaction, auto-placing it on the layout grid when the caller
// gave no position. The canvas lock is held across the whole
// read-compute-write cycle so the placement and the connect-to check see
// the same state the write lands on.
func (s *Service) AddNodeToCanvas(ctx context.Context, uid, canvasID string, req AddNodeRequest) (canvas.Node, canvas.State, error) {
	if req.Type == "" {
		return canvas.Node{}, canvas.State{}, fmt.Errorf("add node to canvas %q: node type is required", canvasID)
	}

	c, err := s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.Node{}, canvas.State{}, err
	}

	handle, err := s.LockState(ctx, canvasID)
	if err != nil {
		return canvas.Node{}, canvas.State{}, err
	}
	defer handle.Release()

	c, err = s.resolveCanvas(ctx, uid, canvasID)
	if err != nil {
		return canvas.Node{}, canvas.State{}, err
	}

	state, err := s.stateForWrite(ctx, c)
	if err != nil {
		return canvas.Node{}, canvas.State{}, err
	}

	node := canvas.Node{
		ID:       uuid.NewString(),
		Type:     req.Type,
		Data:     req.Data,
		Metadata: req.Metadata,
	}
	if node.Metadata == nil {
		node.Metadata = map[string]any{}
	}
	if _, ok := node.Metadata["position"]; !ok {
		node.Metadata["position"] = placeNode(state.Nodes)
	}

	tx := canvas.NewTransaction(canvas.TxSourceSystem)
	tx.NodeDiffs = append(tx.NodeDiffs, canvas.NodeDiff{
		Type: canvas.DiffAdd,
		ID:   node.ID,
		To:   &node,
	})

	if req.ConnectTo != "" {
		if !hasNode(state.Nodes, req.ConnectTo) {
			return canvas.Node{}, canvas.State{}, fmt.Errorf("add node to canvas %q: connect-to node %q not found", canvasID, req.ConnectTo)
		}
		edge := canvas.Edge{
			ID:     uuid.NewString(),
			Type:   "default",
			Source: req.ConnectTo,
			Target: node.ID,
		}
		tx.EdgeDiffs = append(tx.EdgeDiffs, canvas.EdgeDiff{
			Type: canvas.DiffAdd,
			ID:   edge.ID,
			To:   &edge,
		})
	}

	next, err := s.SyncState(ctx, uid, canvasID, []canvas.Transaction{tx}, state.Version, handle)
	if err != nil {
		return canvas.Node{}, canvas.State{}, err
	}
	return node, next, nil
}

func hasNode(nodes []canvas.Node, id string) bool {
	for _, node := range nodes {
		if node.ID == id {
			return true
		}
	}
	return false
}
