package canvas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentHash returns a hex sha256 over the canonical JSON rendering of the
// state's nodes and edges. Map keys are sorted by the JSON encoder, so equal
// graphs always hash equal regardless of payload map iteration order.
func ContentHash(s State) string {
	payload := struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}{Nodes: s.Nodes, Edges: s.Edges}

	raw, err := json.Marshal(payload)
	if err != nil {
		// Nodes and edges are plain maps and strings; Marshal cannot fail
		// on them short of a corrupted payload value.
		return ""
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
