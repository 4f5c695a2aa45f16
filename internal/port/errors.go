package port

import "errors"

// Sentinel errors shared by adapters and use cases. Adapters wrap them with
// fmt.Errorf("...: %w", ...) so callers classify with errors.Is.
var (
	// ErrValidation marks a malformed input record. The record is skipped.
	ErrValidation = errors.New("invalid record")

	// ErrTransient marks an embedding failure worth retrying (timeout, 5xx, refused connection).
	ErrTransient = errors.New("transient embedding failure")

	// ErrPermanent marks an embedding request the service rejected (4xx, unknown model).
	ErrPermanent = errors.New("permanent embedding failure")

	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrStoreUnavailable marks a lost or refused vector store connection.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	ErrCacheCorruption    = errors.New("corrupted cache entry")
	ErrAlreadyExists      = errors.New("collection already exists with a different schema")
	ErrCollectionNotFound = errors.New("collection not found")
)
