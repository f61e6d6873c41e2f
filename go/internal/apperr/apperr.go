// Package apperr holds the sentinel errors shared across the service
// boundary. Store and channel failures are logged and surfaced where they
// occur and converted to nil/zero returns; callers match on these
// sentinels with errors.Is.
package apperr

import "errors"

var (
	// ErrStoreQuery means a read against the store was rejected.
	ErrStoreQuery = errors.New("store query failed")

	// ErrStoreMutation means a write against the store was rejected.
	ErrStoreMutation = errors.New("store mutation failed")

	// ErrChannel means the realtime subscription errored, timed out or
	// closed unexpectedly. The only category that auto-recovers.
	ErrChannel = errors.New("realtime channel failure")

	// ErrInvalidScanPayload means a decoded scan was not a well-formed
	// URL or lacked the token parameter.
	ErrInvalidScanPayload = errors.New("invalid scan payload")

	// ErrNotAuthenticated means an operation was attempted without a
	// resolved user identity.
	ErrNotAuthenticated = errors.New("not authenticated")
)
