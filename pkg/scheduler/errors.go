package scheduler

import "errors"

var (
	// ErrAlreadyAssigned is returned when the session already holds a
	// live assignment
	ErrAlreadyAssigned = errors.New("session already assigned")

	// ErrAlreadyQueued is returned when the session is already waiting
	// in the placement queue
	ErrAlreadyQueued = errors.New("session already queued")

	// ErrWorkerUnavailable is returned for a forced placement onto a
	// worker that has no capacity
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrNotAssigned is returned when an operation needs a live
	// assignment and the session has none
	ErrNotAssigned = errors.New("session not assigned")
)
