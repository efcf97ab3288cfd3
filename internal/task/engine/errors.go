package engine

import "errors"

var (
	ErrNilQueue = errors.New("engine: queue is required")
	ErrNilPool  = errors.New("engine: agent pool is required")
)
