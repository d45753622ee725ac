package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when a run status update found the
	// run in a state the transition does not leave from (e.g. completing a
	// run that is not running, or approving one that is not pending_review).
	ErrInvalidTransition = errors.New("storage: invalid run status transition")
)
