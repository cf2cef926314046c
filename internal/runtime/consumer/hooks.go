package consumer

import (
	"context"
	"time"

	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/events"
	"github.com/drblury/taskbus/internal/runtime/logging"
)

// Delivery describes one message moving through the consumer runtime.
type Delivery struct {
	Context       context.Context
	ConsumerGroup string
	Topic         string
	Key           string
	Partition     int32
	Offset        int64
	MessageUUID   string
	// EventID and EventType are empty until the envelope was validated,
	// unless the broker metadata named them.
	EventID   string
	EventType events.Type
	State     State
	// Attempt is the number of handler invocations so far.
	Attempt    int
	ReceivedAt time.Time
	// Duration is set once the delivery reached a terminal state.
	Duration time.Duration
	// Skipped is set when the handler returned ErrSkip or the event id had
	// already been committed by this group.
	Skipped   bool
	Duplicate bool
}

// Hooks are callbacks on delivery lifecycle transitions. Every hook is
// optional.
type Hooks struct {
	// OnStart runs once per delivery before the envelope is validated.
	OnStart func(d Delivery)
	// OnRetry runs after a failed attempt that will be retried after next.
	OnRetry func(d Delivery, err error, next time.Duration)
	// OnCommitted runs after the message was handled or skipped.
	OnCommitted func(d Delivery)
	// OnDeadLettered runs after rec was published to the dead-letter topic.
	OnDeadLettered func(d Delivery, rec deadletter.Record)
	// OnNacked runs when the message is handed back to the broker.
	OnNacked func(d Delivery, err error)
}

// Merge combines two Hooks. The hooks from other run after those of h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart:        chain(h.OnStart, other.OnStart),
		OnRetry:        chain3(h.OnRetry, other.OnRetry),
		OnCommitted:    chain(h.OnCommitted, other.OnCommitted),
		OnDeadLettered: chain2(h.OnDeadLettered, other.OnDeadLettered),
		OnNacked:       chain2(h.OnNacked, other.OnNacked),
	}
}

func chain[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chain2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func chain3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}

func deliveryFields(d Delivery) logging.LogFields {
	fields := logging.LogFields{
		"consumer_group": d.ConsumerGroup,
		"topic":          d.Topic,
		"partition_key":  d.Key,
		"message_uuid":   d.MessageUUID,
		"attempt":        d.Attempt,
	}
	if d.EventID != "" {
		fields["event_id"] = d.EventID
		fields["event_type"] = d.EventType.String()
	}
	if d.Partition >= 0 {
		fields["partition"] = d.Partition
		fields["offset"] = d.Offset
	}
	return fields
}

// LoggingHooks logs every lifecycle transition on logger.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnStart: func(d Delivery) {
			logger.Trace("Message received", deliveryFields(d))
		},
		OnRetry: func(d Delivery, err error, next time.Duration) {
			fields := deliveryFields(d)
			fields["next_in"] = next.String()
			logger.Error("Handler failed, retrying", err, fields)
		},
		OnCommitted: func(d Delivery) {
			fields := deliveryFields(d)
			fields["duration_ms"] = d.Duration.Milliseconds()
			fields["skipped"] = d.Skipped
			fields["duplicate"] = d.Duplicate
			logger.Debug("Message committed", fields)
		},
		OnDeadLettered: func(d Delivery, rec deadletter.Record) {
			fields := deliveryFields(d)
			fields["record_id"] = rec.RecordID
			fields["error_kind"] = rec.ErrorKind
			fields["attempt_count"] = rec.AttemptCount
			logger.Info("Message dead-lettered", fields)
		},
		OnNacked: func(d Delivery, err error) {
			logger.Error("Message nacked", err, deliveryFields(d))
		},
	}
}

// MetricsHooks records deliveries on m.
func MetricsHooks(m *Metrics) Hooks {
	if m == nil {
		return Hooks{}
	}
	return Hooks{
		OnStart: func(d Delivery) {
			m.inFlight.WithLabelValues(d.Topic, d.ConsumerGroup).Inc()
		},
		OnRetry: func(d Delivery, err error, _ time.Duration) {
			m.retries.WithLabelValues(d.Topic, d.ConsumerGroup, errorKind(err)).Inc()
		},
		OnCommitted: func(d Delivery) {
			outcome := outcomeCommitted
			switch {
			case d.Duplicate:
				outcome = outcomeDuplicate
			case d.Skipped:
				outcome = outcomeSkipped
			}
			m.finish(d, outcome)
		},
		OnDeadLettered: func(d Delivery, _ deadletter.Record) {
			m.finish(d, outcomeDeadLettered)
		},
		OnNacked: func(d Delivery, _ error) {
			m.finish(d, outcomeNacked)
		},
	}
}
