package jobs

import "errors"

var (
	// ErrDuplicateJob means the period is already scheduled. Callers treat it
	// as success.
	ErrDuplicateJob = errors.New("job already scheduled for this period")
	// ErrStaleLease means the caller no longer owns the job and must discard
	// its work.
	ErrStaleLease = errors.New("lease no longer held")
	// ErrLeaseExpired is logged when a claim takes over an abandoned lease.
	ErrLeaseExpired = errors.New("lease expired")

	ErrNotFound            = errors.New("job not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidJob          = errors.New("invalid job")
	ErrInvalidSubscription = errors.New("invalid subscription state")
)
