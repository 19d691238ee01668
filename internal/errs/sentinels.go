// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across indexing/repository layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a record object does not match its collection schema.
	ErrValidation = errors.New("invalid record")

	// ErrInvariant indicates the index reached a state that must never happen
	// (e.g. a record removed by an update could not be re-inserted).
	ErrInvariant = errors.New("index invariant violated")

	// ErrUnknownStatus indicates an unrecognized upstream account status.
	ErrUnknownStatus = errors.New("unrecognized account status")

	// ErrNestedTransaction indicates a transaction was opened inside another one.
	ErrNestedTransaction = errors.New("already in transaction")

	// ErrNoTransaction indicates a transactional operation was called outside a transaction.
	ErrNoTransaction = errors.New("not in transaction")

	// ErrRepoNotFound indicates the upstream host does not hold the repository.
	ErrRepoNotFound = errors.New("repo not found")

	// ErrBadCheckout indicates a fetched repository checkout failed verification.
	ErrBadCheckout = errors.New("checkout verification failed")
)
