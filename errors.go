package routezero

import (
	"errors"
	"fmt"
)

// AuthError means a provider rejected our credentials or the requested resource ID.
// It is never retried;
// re-running with the same inputs would fail the same way.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authorization failed: %s", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps a provider failure that is expected to clear on its own,
// such as a timeout, connection error, or 5xx response.
// The driver retries these with backoff before failing the pass.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %s", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PartialBatchError means a change batch failed partway through.
// Applied holds the changes that took effect before the failure and Remaining the ones that did not.
// No rollback is attempted;
// the next pass diffs against the zone's real state and converges from wherever this batch stopped.
type PartialBatchError struct {
	Applied   ChangeSet
	Remaining ChangeSet
	Err       error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("change batch failed after %d of %d changes: %s",
		len(e.Applied), len(e.Applied)+len(e.Remaining), e.Err)
}

func (e *PartialBatchError) Unwrap() error { return e.Err }
