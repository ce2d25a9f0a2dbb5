package scheduler

import "errors"

// Scheduler errors. Only configuration errors and explicit contract
// violations are returned to callers; runner failures are recorded on the
// execution row instead, per spec.md §7.
var (
	ErrInvalidCronExpression = errors.New("scheduler: invalid cron expression")
	ErrInvalidTimezone       = errors.New("scheduler: invalid timezone")
	ErrInvalidMaxConcurrent  = errors.New("scheduler: maxConcurrent must be >= 1")
	ErrInvalidInterval       = errors.New("scheduler: interval must be positive")
	ErrScheduleNotFound      = errors.New("scheduler: schedule not found")
	ErrRunnerNotSet          = errors.New("scheduler: no workflow runner configured")
)
