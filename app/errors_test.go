package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientTransportError{Op: "x", Err: errors.New("reset")}, true},
		{"wrapped transient", fmt.Errorf("outer: %w", &TransientTransportError{Op: "x", Err: errors.New("reset")}), true},
		{"permanent", &PermanentRejectionError{Op: "x", Err: errors.New("bad")}, false},
		{"configuration", &ConfigurationError{Op: "x", Err: errors.New("no key")}, false},
		{"capacity", &CapacityError{Op: "x", Limit: 1, Err: errors.New("full")}, false},
		{"canceled", ErrCanceled, false},
		{"queue closed", ErrQueueClosed, false},
		{"context canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"unknown", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "enqueue: capacity 4 reached: full", (&CapacityError{Op: "enqueue", Limit: 4, Err: errors.New("full")}).Error())
	assert.Equal(t, "enqueue: capacity: full", (&CapacityError{Op: "enqueue", Err: errors.New("full")}).Error())

	inner := errors.New("refused")
	assert.ErrorIs(t, &TransientTransportError{Op: "dial", Err: inner}, inner)
}
