package errors

import sterrors "errors"

var (
	ErrPublisherRequired    = sterrors.New("taskbus: publisher is required")
	ErrBrokerRequired       = sterrors.New("taskbus: broker is required")
	ErrHandlerRequired      = sterrors.New("taskbus: handler function is required")
	ErrTopicRequired        = sterrors.New("taskbus: topic is required")
	ErrConsumerGroupNeeded  = sterrors.New("taskbus: consumer group is required")
	ErrConfigRequired       = sterrors.New("taskbus: config is required")
	ErrLoggerRequired       = sterrors.New("taskbus: logger is required")
	ErrEventPayloadRequired = sterrors.New("taskbus: event payload is required")
	ErrUnknownEventType     = sterrors.New("taskbus: unknown event type")
	ErrBrokerClosed         = sterrors.New("taskbus: broker is closed")

	// ErrSkip tells the consumer runtime to commit the message without
	// further processing, for example when the event is intentionally ignored.
	ErrSkip = sterrors.New("taskbus: skip message")
)
