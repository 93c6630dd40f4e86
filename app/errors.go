package app

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrQueueClosed    = errors.New("action queue is closed")
	ErrActionNotFound = errors.New("action not found")
	ErrNotCancelable  = errors.New("action is no longer pending")
	ErrCanceled       = errors.New("action canceled")
	ErrNoProviders    = errors.New("no tunnel provider could be established")
)

// TransientTransportError is a timeout or connection failure worth retrying.
type TransientTransportError struct {
	Op  string
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// PermanentRejectionError covers authorization, validation and protocol
// mismatches. Retrying cannot succeed.
type PermanentRejectionError struct {
	Op  string
	Err error
}

func (e *PermanentRejectionError) Error() string {
	return fmt.Sprintf("%s: rejected: %v", e.Op, e.Err)
}

func (e *PermanentRejectionError) Unwrap() error { return e.Err }

// ConfigurationError reports missing or invalid credentials and settings.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// CapacityError is returned instead of silently dropping work when a queue
// or connection limit is reached.
type CapacityError struct {
	Op    string
	Limit int
	Err   error
}

func (e *CapacityError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%s: capacity %d reached: %v", e.Op, e.Limit, e.Err)
	}
	return fmt.Sprintf("%s: capacity: %v", e.Op, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// IsRetryable classifies an executor or transport error. Unknown errors are
// retryable; executors signal permanence with PermanentRejectionError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		transient *TransientTransportError
		permanent *PermanentRejectionError
		cfgErr    *ConfigurationError
		capErr    *CapacityError
	)
	switch {
	case errors.As(err, &transient):
		return true
	case errors.As(err, &permanent), errors.As(err, &cfgErr), errors.As(err, &capErr):
		return false
	case errors.Is(err, ErrCanceled), errors.Is(err, ErrQueueClosed), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return true
}
