package store

import "errors"

var (
	// ErrNotFound is returned when a row or metadata key does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrVersionConflict is returned by optimistic-locking writes when the
	// stored version no longer matches the expected version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrQueryTimeout is returned when a field query exceeds its deadline.
	ErrQueryTimeout = errors.New("query timeout")

	// ErrQuotaExceeded is returned when local storage cannot hold an
	// estimated payload even after eviction.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrSchemaVersion is returned when the on-disk schema version does not
	// match the version this build supports. The store is rebuilt once.
	ErrSchemaVersion = errors.New("incompatible local schema version")
)
