package store

import "errors"

var (
	// ErrNotFound is returned when a node, edge, embedding or version is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by CreateNode for an ID that is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidReference is returned when an edge or embedding names a
	// node that does not exist.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrInvalidInput covers malformed IDs, unknown enumeration values,
	// bad filters and out-of-range traversal depths.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCapabilityUnavailable means the SQLite build or configuration lacks
	// a feature, such as vector search. Read paths degrade on it.
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	// ErrDimensionMismatch is returned, together with ErrInvalidInput, when
	// a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)
