package concurrency

import "errors"

// The four error kinds that cross the package boundary. All of them are
// raised before any table mutation, so a failed call leaves no visible
// effect. Callers match with errors.Is.
var (
	// ErrDuplicateLockRequest is returned when a transaction requests a lock
	// it already holds.
	ErrDuplicateLockRequest = errors.New("duplicate lock request")

	// ErrNoLockHeld is returned when an operation needs an existing lock and
	// the transaction holds none on the resource.
	ErrNoLockHeld = errors.New("no lock held")

	// ErrInvalidLock is returned for requests that are structurally illegal:
	// non-substitutable promotions, multigranularity constraint violations,
	// redundant locks under a SIX ancestor.
	ErrInvalidLock = errors.New("invalid lock request")

	// ErrUnsupportedOperation is returned by mutating operations on readonly
	// lock contexts.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)
