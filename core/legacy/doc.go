// Package legacy converts the old binary collaborative-document format into
// the current canvas snapshot format. The conversion is one-way and
// read-only: no handle to the loaded document is retained.
package legacy

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/adalundhe/easel/core/canvas"
)

// DocToState loads a legacy binary CRDT document and extracts its nodes,
// edges and variables into a fresh snapshot with an empty transaction log.
// The returned state carries no version; the caller assigns one when it
// persists the migrated snapshot.
func DocToState(raw []byte) (canvas.State, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return canvas.State{}, fmt.Errorf("load legacy doc: %w", err)
	}

	nodes, err := extractNodes(doc)
	if err != nil {
		return canvas.State{}, err
	}
	edges, err := extractEdges(doc)
	if err != nil {
		return canvas.State{}, err
	}
	variables, err := extractVariables(doc)
	if err != nil {
		return canvas.State{}, err
	}

	state := canvas.NewState("")
	state.Nodes = nodes
	state.Edges = edges
	state.Variables = variables
	return state, nil
}

func extractNodes(doc *automerge.Doc) ([]canvas.Node, error) {
	items, err := extractList(doc, "nodes")
	if err != nil {
		return nil, err
	}

	nodes := make([]canvas.Node, 0, len(items))
	for _, item := range items {
		id, _ := item["id"].(string)
		if id == "" {
			// Entries without an id cannot participate in diffing; the old
			// editor never produced them, so treat them as corrupt noise.
			continue
		}
		nodeType, _ := item["type"].(string)
		nodes = append(nodes, canvas.Node{
			ID:       id,
			Type:     nodeType,
			Data:     subMap(item, "data"),
			Metadata: subMap(item, "metadata"),
		})
	}
	return nodes, nil
}

func extractEdges(doc *automerge.Doc) ([]canvas.Edge, error) {
	items, err := extractList(doc, "edges")
	if err != nil {
		return nil, err
	}

	edges := make([]canvas.Edge, 0, len(items))
	for _, item := range items {
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}
		edgeType, _ := item["type"].(string)
		source, _ := item["source"].(string)
		target, _ := item["target"].(string)
		edges = append(edges, canvas.Edge{
			ID:       id,
			Type:     edgeType,
			Source:   source,
			Target:   target,
			Metadata: subMap(item, "metadata"),
		})
	}
	return edges, nil
}

func extractVariables(doc *automerge.Doc) (map[string]any, error) {
	value, err := doc.Path("variables").Get()
	if err != nil {
		return nil, fmt.Errorf("read legacy variables: %w", err)
	}

	variables, _ := value.Interface().(map[string]any)
	return variables, nil
}

// extractList reads a root-level list of objects. A missing key or a value
// of another shape reads as empty rather than failing; old documents vary.
func extractList(doc *automerge.Doc, key string) ([]map[string]any, error) {
	value, err := doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("read legacy %s: %w", key, err)
	}

	items, ok := value.Interface().([]any)
	if !ok {
		return nil, nil
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func subMap(item map[string]any, key string) map[string]any {
	if m, ok := item[key].(map[string]any); ok {
		return m
	}
	return nil
}
