package core

import (
	"errors"
	"fmt"
)

// Foreground validation errors, surfaced synchronously to callers of the
// mutating operations.
var (
	ErrJobNotFound       = errors.New("jobs: job not found")
	ErrSessionNotFound   = errors.New("jobs: session not found")
	ErrCronNotFound      = errors.New("jobs: cron definition not found")
	ErrAlreadyTerminal   = errors.New("jobs: job is already in a terminal state")
	ErrInvalidExpression = errors.New("jobs: invalid cron expression")
	ErrDuplicateName     = errors.New("jobs: cron definition name already exists")

	ErrInvalidCallbackName = errors.New("jobs: invalid callback name (must be alphanumeric, start with letter)")
	ErrCallbackNameTooLong = errors.New("jobs: callback name too long")
	ErrCallbackNotFound    = errors.New("jobs: no callback registered under that name")
	ErrInvalidTaskName     = errors.New("jobs: invalid task name")
	ErrTaskNotOwned        = errors.New("jobs: task not owned by this dispatcher")

	// ErrStaleTransition is returned by guarded storage mutations when the
	// record left the expected state between read and write. Background
	// paths treat it as a benign lost race.
	ErrStaleTransition = errors.New("jobs: job status changed since read")
)

// ProviderError carries the HTTP status and body text of a non-2xx response
// from the browser provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: unexpected status %d: %s", e.StatusCode, e.Body)
}
