package store

import "errors"

var (
	// ErrInvalidInput is returned for rejected input: dimension mismatches,
	// non-positive topK, or zero-magnitude similarity operands. Callers
	// should not retry.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable indicates a connection or transaction failure in
	// the underlying database.
	ErrStoreUnavailable = errors.New("store unavailable")
)
