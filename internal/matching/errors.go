package matching

import "errors"

// Failure kinds for the matching pipeline. Oracle failures are per-batch and
// never fatal to a request; validation and storage failures are.
var (
	// ErrValidation marks malformed input to the scorer or an invalid request.
	ErrValidation = errors.New("validation failed")
	// ErrStorageUnavailable marks a candidate pool that could not be retrieved.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
