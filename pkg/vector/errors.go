package vector

import "errors"

var (
	errDimensionMismatch = errors.New("vector dimension mismatch")
	errNotFinite         = errors.New("vector contains non-finite component")
	errNotNormalized     = errors.New("vector is not L2-normalized within epsilon")
)
