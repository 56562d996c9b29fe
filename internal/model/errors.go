package model

import "errors"

var (
	// ErrValidation marks input rejected before any state mutation.
	ErrValidation = errors.New("trainctl: validation failed")
	// ErrInvalidWorkflow is a validation failure of a workflow document.
	ErrInvalidWorkflow = errors.New("trainctl: invalid workflow")

	// ErrQueueUnavailable is transient; callers retry with backoff.
	ErrQueueUnavailable = errors.New("trainctl: queue backend unavailable")

	ErrInvalidTransition  = errors.New("trainctl: invalid job transition")
	ErrInvalidState       = errors.New("trainctl: invalid execution state")
	ErrDuplicateExecution = errors.New("trainctl: duplicate execution")

	// ErrExecutionNotFound is returned by operations that act on an
	// execution id nobody created. Plain reads return nil instead.
	ErrExecutionNotFound = errors.New("trainctl: execution not found")

	// ErrTerminalJobFailure is recorded on executions failed by a required stage.
	ErrTerminalJobFailure = errors.New("trainctl: terminal job failure")
)
