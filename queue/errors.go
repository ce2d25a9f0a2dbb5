package queue

import "errors"

// Queue errors. Named after the error-kind taxonomy in the design: handler
// registration/invocation failures are always recorded on the job, never
// returned from the public surface; only configuration errors are returned
// directly to callers.
var (
	ErrInvalidConcurrency = errors.New("queue: concurrency must be >= 1")
	ErrInvalidMaxAttempts = errors.New("queue: maxAttempts must be >= 1")
	ErrJobNotFound        = errors.New("queue: job not found")
	ErrHandlerMissing     = errors.New("queue: no handler registered for job type")
	ErrNotPending         = errors.New("queue: job is not pending")
	ErrNotFailed          = errors.New("queue: job is not failed")
)
