package transport

import (
	"errors"
	"fmt"
	"time"
)

// Retryable marks a delivery failure as transient. after is the delay the
// remote side asked for, or 0 when it gave none.
func Retryable(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &RetryableError{Err: err, After: after}
}

// Permanent marks a failure that will not go away for this recipient
// (blocked, kicked, chat deleted).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Migrated reports that the chat moved to a new id.
func Migrated(err error, to int64) error {
	if err == nil {
		return nil
	}
	return &MigratedError{Err: err, To: to}
}

type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.After, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}
func (e *RetryableError) Unwrap() error { return e.Err }

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

type MigratedError struct {
	Err error
	To  int64
}

func (e *MigratedError) Error() string { return fmt.Sprintf("chat migrated to %d: %v", e.To, e.Err) }
func (e *MigratedError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient and the delay it carries.
func IsRetryable(err error) (time.Duration, bool) {
	var e *RetryableError
	if errors.As(err, &e) {
		return e.After, true
	}
	return 0, false
}

func IsPermanent(err error) bool {
	var e *PermanentError
	return errors.As(err, &e)
}

// MigratedTo returns the new chat id carried by err.
func MigratedTo(err error) (int64, bool) {
	var e *MigratedError
	if errors.As(err, &e) {
		return e.To, true
	}
	return 0, false
}
