package queue

import "time"

// Config configures a Queue. Mirrors the teacher's scheduler module config
// struct shape: durations and counts with documented defaults.
type Config struct {
	// Name identifies this queue, used as the persistence gateway's
	// queue_name column and as the event source.
	Name string

	// Concurrency is the maximum number of jobs running at once.
	Concurrency int

	// DefaultMaxAttempts is used for jobs added without an explicit
	// MaxAttempts in AddOptions.
	DefaultMaxAttempts int

	// StallInterval is how often the stall-detection sweep runs.
	StallInterval time.Duration

	// StallTimeout is how long a job may run before it's considered
	// stalled.
	StallTimeout time.Duration

	// Persistent enables write-through persistence via the injected
	// Gateway. When false, the queue is purely in-memory.
	Persistent bool

	// TerminalRetention bounds how many terminal (completed/failed/
	// cancelled) jobs the queue keeps in memory at once, via an LRU of
	// the most recently touched terminal jobs. 0 uses the default (1024).
	TerminalRetention int
}

// DefaultConfig returns the documented defaults from the persistence
// contract: concurrency 5, 3 attempts, 30s stall interval, 5 minute stall
// timeout, persistence disabled, 1024 retained terminal jobs.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		Concurrency:        5,
		DefaultMaxAttempts: 3,
		StallInterval:      30 * time.Second,
		StallTimeout:       300 * time.Second,
		Persistent:         false,
		TerminalRetention:  1024,
	}
}

func (c Config) validate() error {
	if c.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.DefaultMaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	return nil
}
