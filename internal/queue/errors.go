package queue

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates the row was not in the status the transition requires.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOrderInactive indicates a task finished after its order stopped running.
	ErrOrderInactive = errors.New("order is not running")
	// ErrInvalidOutcome indicates a stage result that would break an invariant.
	ErrInvalidOutcome = errors.New("invalid stage outcome")
)
