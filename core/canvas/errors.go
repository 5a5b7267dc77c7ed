package canvas

import "errors"

var (
	ErrMergeConflict = errors.New("canvas merge conflict")
)
