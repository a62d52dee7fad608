package storage

import "errors"

// Sentinel errors shared by all store implementations. Callers match with
// errors.Is rather than comparing message text.
var (
	// ErrNotFound indicates the requested record does not exist or has expired
	ErrNotFound = errors.New("storage: not found")

	// ErrCodeConsumed indicates an authorization code was already exchanged.
	// Distinct from ErrNotFound so the token endpoint can report reuse.
	ErrCodeConsumed = errors.New("storage: authorization code already consumed")

	// ErrInvalidSecret indicates a client secret did not match the stored hash
	ErrInvalidSecret = errors.New("storage: invalid client secret")
)
