package scheduler

import "errors"

var (
	// ErrTaskNotFound is returned when a task ID does not exist in the queue.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotRunning is returned when a terminate is requested for a
	// task that is not currently running.
	ErrTaskNotRunning = errors.New("task is not running")
)
