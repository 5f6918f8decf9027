package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned for an unknown card, alias, label or attachment.
var ErrNotFound = errors.New("not found")

// ErrStopped is returned by calls into a bridge whose loop has exited.
var ErrStopped = errors.New("bridge stopped")

// TransientError is a failed call that may succeed if retried later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classify wraps err in a TransientError when a retry may help.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
