package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

// ConfigValidationError wraps every problem found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("taskbus: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ValidationError reports a malformed envelope or an event version this
// binary does not implement. It carries enough detail to build a dead-letter
// record without going back to the broker.
type ValidationError struct {
	Reason       string
	EventID      string
	EventType    string
	EventVersion string
	Raw          []byte
	Cause        error
}

func (e *ValidationError) Error() string {
	msg := "taskbus: invalid event: " + e.Reason
	if e.EventType != "" {
		msg += fmt.Sprintf(" (type=%s version=%s)", e.EventType, e.EventVersion)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// TransientBrokerError marks a network or broker availability failure that is
// worth retrying.
type TransientBrokerError struct {
	Op    string
	Topic string
	Cause error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("taskbus: broker %s on %q failed: %v", e.Op, e.Topic, e.Cause)
}

func (e *TransientBrokerError) Unwrap() error { return e.Cause }

// HandlerError is a business-logic failure raised by a consumer handler.
type HandlerError struct {
	Handler string
	Cause   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("taskbus: handler %s failed: %v", e.Handler, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// PublishExhausted is logged when the producer gave up on an event. It never
// reaches the business caller.
type PublishExhausted struct {
	EventID   string
	EventType string
	Attempts  int
	Cause     error
}

func (e *PublishExhausted) Error() string {
	return fmt.Sprintf("taskbus: publishing %s %s gave up after %d attempt(s): %v", e.EventType, e.EventID, e.Attempts, e.Cause)
}

func (e *PublishExhausted) Unwrap() error { return e.Cause }

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string { return e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// Permanent marks err as not worth retrying. The consumer runtime
// dead-letters it on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return sterrors.As(err, &p)
}

// Result is what the consumer runtime should do with a message after a
// handler attempt.
type Result int

const (
	ResultAck Result = iota
	ResultRetry
	ResultDeadLetter
	ResultSkip
)

func (r Result) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultRetry:
		return "retry"
	case ResultDeadLetter:
		return "dead_letter"
	case ResultSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Classify maps a handler outcome onto a Result. Validation failures and
// permanent errors are dead-lettered without retry; everything else is
// retried.
func Classify(err error) Result {
	if err == nil {
		return ResultAck
	}
	if sterrors.Is(err, ErrSkip) {
		return ResultSkip
	}
	var verr *ValidationError
	if sterrors.As(err, &verr) || IsPermanent(err) {
		return ResultDeadLetter
	}
	return ResultRetry
}

// Kind names the taxonomy bucket of err for dead-letter records and metrics.
func Kind(err error) string {
	var (
		verr *ValidationError
		terr *TransientBrokerError
		herr *HandlerError
		perr *PublishExhausted
	)
	switch {
	case err == nil:
		return ""
	case sterrors.As(err, &verr):
		return "validation"
	case sterrors.As(err, &terr):
		return "transient_broker"
	case sterrors.As(err, &perr):
		return "publish_exhausted"
	case sterrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case sterrors.As(err, &herr):
		return "handler"
	default:
		return "other"
	}
}
