// Package publisher emits task events on behalf of the task API. Publish never
// fails the caller: the task mutation is already committed and the event is a
// notification. Transient broker failures are retried with exponential
// backoff; when the attempts run out the failure is logged and reported in the
// Outcome.
//
// Delivery is at-most-once. An event is lost if the process dies before the
// broker acknowledged it.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/taskbus/internal/runtime/broker"
	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
	"github.com/drblury/taskbus/internal/runtime/logging"
	"github.com/drblury/taskbus/internal/runtime/metadata"
	"github.com/drblury/taskbus/internal/runtime/topics"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 100 * time.Millisecond

	maxBackoff = 5 * time.Second
)

// Options tunes the retry loop. Zero values select the defaults.
type Options struct {
	// MaxRetries is the total number of publish attempts.
	MaxRetries int
	// Backoff is the wait after the first failed attempt; it doubles after
	// each further failure.
	Backoff time.Duration
	// Metrics is optional.
	Metrics *Metrics
}

// Outcome reports what happened to one event.
type Outcome struct {
	OK       bool
	Err      error
	Attempts int
}

// Publisher routes events to their topic, keyed by task id.
type Publisher struct {
	broker  broker.Broker
	logger  logging.ServiceLogger
	opts    Options
	pending sync.WaitGroup
}

// New returns a Publisher writing through b.
func New(b broker.Broker, logger logging.ServiceLogger, opts Options) (*Publisher, error) {
	if b == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Publisher{
		broker: b,
		logger: logger.With(logging.LogFields{"component": "publisher"}),
		opts:   opts,
	}, nil
}

// Publish blocks until the event is acknowledged or the attempts are spent.
// It never panics and never returns an error; inspect the Outcome instead.
func (p *Publisher) Publish(ctx context.Context, evt events.Event) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("publish panic: %v", r), Attempts: out.Attempts}
			p.logger.Error("Publish panicked", out.Err, eventFields(evt))
			p.opts.Metrics.observe(evt.Type, outcomeFailed)
		}
	}()

	topic, err := topics.TopicFor(evt.Type)
	if err != nil {
		return p.reject(evt, err)
	}
	raw, err := events.Marshal(evt)
	if err != nil {
		return p.reject(evt, err)
	}
	key := topics.PartitionKey(evt)
	md := metadata.New(
		metadata.KeyEventID, evt.ID,
		metadata.KeyEventType, evt.Type.String(),
		metadata.KeyEventVersion, evt.Version,
		metadata.KeyCorrelationID, evt.CorrelationID,
		metadata.KeyProducer, evt.Producer,
		metadata.KeyContentType, metadata.ContentTypeJSON,
	)

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		err := p.broker.Publish(ctx, topic, key, raw, md)
		if err == nil {
			return struct{}{}, nil
		}
		var transient *errspkg.TransientBrokerError
		if !errors.As(err, &transient) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		p.logger.Debug("Retrying publish", eventFields(evt, "topic", topic, "attempt", attempts, "next_in", next.String(), "error", err.Error()))
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.opts.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		exhausted := &errspkg.PublishExhausted{
			EventID:   evt.ID,
			EventType: evt.Type.String(),
			Attempts:  attempts,
			Cause:     err,
		}
		p.logger.Error("PublishExhausted", exhausted, eventFields(evt, "topic", topic, "attempts", attempts))
		p.opts.Metrics.observe(evt.Type, outcomeExhausted)
		return Outcome{Err: exhausted, Attempts: attempts}
	}

	p.logger.Debug("Event published", eventFields(evt, "topic", topic, "attempts", attempts))
	p.opts.Metrics.observe(evt.Type, outcomeOK)
	return Outcome{OK: true, Attempts: attempts}
}

// Go publishes in the background so the caller's request is not held up.
// The returned channel receives exactly one Outcome. Cancelling ctx does not
// abort the publish.
func (p *Publisher) Go(ctx context.Context, evt events.Event) <-chan Outcome {
	result := make(chan Outcome, 1)
	detached := context.WithoutCancel(ctx)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		result <- p.Publish(detached, evt)
	}()
	return result
}

// Wait blocks until every publish started with Go has finished.
func (p *Publisher) Wait() {
	p.pending.Wait()
}

func (p *Publisher) reject(evt events.Event, err error) Outcome {
	p.logger.Error("Event rejected before publish", err, eventFields(evt))
	p.opts.Metrics.observe(evt.Type, outcomeRejected)
	return Outcome{Err: err}
}

func (p *Publisher) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.opts.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
	}
}

// eventFields identifies evt in log lines; extra holds alternating key/value
// pairs.
func eventFields(evt events.Event, extra ...any) logging.LogFields {
	fields := logging.LogFields{
		"event_id":       evt.ID,
		"event_type":     evt.Type.String(),
		"correlation_id": evt.CorrelationID,
		"task_id":        evt.TaskID(),
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if key, ok := extra[i].(string); ok {
			fields[key] = extra[i+1]
		}
	}
	return fields
}
