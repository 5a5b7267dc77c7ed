package canvassync

import (
	"github.com/adalundhe/easel/core/canvas"
)

const (
	layoutCellWidth  = 320.0
	layoutCellHeight = 220.0
	layoutColumns    = 4
	layoutOriginX    = 80.0
	layoutOriginY    = 80.0
)

// placeNode returns a grid position for the next node on the canvas. Nodes
// placed explicitly by a client keep their own positions; this only fills
// in the slot for programmatic additions.
func placeNode(existing []canvas.Node) map[string]any {
	occupied := 0
	for _, node := range existing {
		if node.Metadata == nil {
			continue
		}
		if _, ok := node.Metadata["position"]; ok {
			occupied++
		}
	}

	col := occupied % layoutColumns
	row := occupied / layoutColumns
	return map[string]any{
		"x": layoutOriginX + float64(col)*layoutCellWidth,
		"y": layoutOriginY + float64(row)*layoutCellHeight,
	}
}
