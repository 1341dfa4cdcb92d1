package introq

import "time"

// Config holds configuration for the Runtime.
type Config struct {
	// EventBatchSize is the maximum number of events claimed per poll cycle.
	EventBatchSize int

	// TaskBatchSize is the maximum number of due tasks claimed per poll cycle.
	TaskBatchSize int

	// EventPollInterval is how often the event dispatcher polls the log.
	// There is no per-event backoff delay: the poll interval is the
	// implicit backoff between retries of a failed event.
	EventPollInterval time.Duration

	// TaskPollInterval is how often the task dispatcher polls for due tasks.
	TaskPollInterval time.Duration

	// MaxEventRetries is the number of handler failures tolerated before an
	// event is dead-lettered.
	MaxEventRetries int

	// TaskBackoffInitial is the base delay for task retry backoff.
	// Retry attempt n is rescheduled TaskBackoffInitial * 2^(n-1) in the
	// future.
	TaskBackoffInitial time.Duration

	// TaskBackoffMax caps the task retry delay. Zero means uncapped.
	TaskBackoffMax time.Duration

	// ClaimLease is how long an event claim is held before another
	// dispatcher replica may pick the event up again.
	ClaimLease time.Duration

	// StaleTaskThreshold is how long a task may sit in processing before the
	// reaper resets it to pending (crashed worker recovery).
	StaleTaskThreshold time.Duration

	// HandlerTimeout bounds every event and task handler invocation.
	// Zero disables the deadline.
	HandlerTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		EventBatchSize:     50,
		TaskBatchSize:      25,
		EventPollInterval:  10 * time.Second,
		TaskPollInterval:   30 * time.Second,
		MaxEventRetries:    5,
		TaskBackoffInitial: 60 * time.Second,
		TaskBackoffMax:     0,
		ClaimLease:         2 * time.Minute,
		StaleTaskThreshold: 10 * time.Minute,
		HandlerTimeout:     5 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
	}
}
