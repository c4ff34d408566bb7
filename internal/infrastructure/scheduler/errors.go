package scheduler

import "errors"

var (
	// ErrInvalidTask is returned when a task is missing its name, function or interval
	ErrInvalidTask = errors.New("invalid scheduler task")

	// ErrDuplicateTask is returned when two tasks share a name
	ErrDuplicateTask = errors.New("duplicate scheduler task")

	// ErrAlreadyRunning is returned when registering on a started scheduler
	ErrAlreadyRunning = errors.New("scheduler is already running")

	// ErrNoTasks is returned when starting a scheduler without tasks
	ErrNoTasks = errors.New("scheduler has no tasks")
)
