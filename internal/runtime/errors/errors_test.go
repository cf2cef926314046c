package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrPublisherRequired", ErrPublisherRequired, "taskbus: publisher is required"},
		{"ErrBrokerRequired", ErrBrokerRequired, "taskbus: broker is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "taskbus: handler function is required"},
		{"ErrTopicRequired", ErrTopicRequired, "taskbus: topic is required"},
		{"ErrConsumerGroupNeeded", ErrConsumerGroupNeeded, "taskbus: consumer group is required"},
		{"ErrUnknownEventType", ErrUnknownEventType, "taskbus: unknown event type"},
		{"ErrSkip", ErrSkip, "taskbus: skip message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "taskbus: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil acks", nil, ResultAck},
		{"skip", ErrSkip, ResultSkip},
		{"wrapped skip", fmt.Errorf("duplicate: %w", ErrSkip), ResultSkip},
		{"validation dead-letters", &ValidationError{Reason: "bad"}, ResultDeadLetter},
		{"permanent dead-letters", Permanent(errors.New("nope")), ResultDeadLetter},
		{"handler error retries", &HandlerError{Handler: "h", Cause: errors.New("db down")}, ResultRetry},
		{"broker error retries", &TransientBrokerError{Op: "publish", Topic: "t", Cause: errors.New("eof")}, ResultRetry},
		{"deadline retries", context.DeadlineExceeded, ResultRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	if got := Kind(&ValidationError{Reason: "x"}); got != "validation" {
		t.Errorf("Kind(validation) = %q", got)
	}
	if got := Kind(&HandlerError{Handler: "h", Cause: errors.New("x")}); got != "handler" {
		t.Errorf("Kind(handler) = %q", got)
	}
	wrapped := &HandlerError{Handler: "h", Cause: &TransientBrokerError{Op: "publish", Cause: errors.New("x")}}
	if got := Kind(wrapped); got != "transient_broker" {
		t.Errorf("Kind(nested broker) = %q", got)
	}
	timedOut := &HandlerError{Handler: "h", Cause: fmt.Errorf("gave up: %w", context.DeadlineExceeded)}
	if got := Kind(timedOut); got != "timeout" {
		t.Errorf("Kind(timeout) = %q", got)
	}
	if got := Kind(errors.New("plain")); got != "other" {
		t.Errorf("Kind(plain) = %q", got)
	}
	if got := Kind(nil); got != "" {
		t.Errorf("Kind(nil) = %q", got)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Reason: "unsupported version", EventType: "task-created", EventVersion: "v9", Cause: errors.New("no decoder")}
	want := "taskbus: invalid event: unsupported version (type=task-created version=v9): no decoder"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !IsPermanent(Permanent(err)) {
		t.Error("expected Permanent wrapper to be detected")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
