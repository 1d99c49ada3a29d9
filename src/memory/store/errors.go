package store

import "errors"

// Stable error categories for the vector backends. Implementations wrap the
// backend-specific cause so callers can branch with errors.Is while logs keep
// the detail.
var (
	ErrBackendUnavailable = errors.New("vector store backend unavailable")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrInvalidFilter      = errors.New("invalid filter expression")
	ErrEmbeddingFailure   = errors.New("embedding generation failed")
	ErrSchemaInconsistent = errors.New("collection schema inconsistent")
	ErrTimeout            = errors.New("vector store operation timed out")
)
