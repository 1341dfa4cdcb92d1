package task

import "errors"

// terminalError wraps a handler error that must not be retried regardless of
// the retry budget. The task moves straight to failed.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable. The dispatcher fails the task
// immediately instead of scheduling another attempt.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked with
// Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
