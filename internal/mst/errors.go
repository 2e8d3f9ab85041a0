package mst

import "errors"

var (
	ErrInvalidKey  = errors.New("invalid mst key")
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
	ErrInvalidTree = errors.New("invalid mst node")
	ErrInvalidCID  = errors.New("mst value must be a defined CID")

	// ErrStopWalk may be returned by a Walk callback to end the walk early
	// without reporting an error.
	ErrStopWalk = errors.New("stop walk")
)
