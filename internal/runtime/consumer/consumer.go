// Package consumer runs event handlers on top of a broker.Broker. Each
// delivery moves through an explicit state machine:
//
//	Received -> Processing -> Committed
//	                       -> Retrying -> Processing
//	                       -> DeadLettered
//
// Messages are acknowledged only after the handler succeeded or the message
// was dead-lettered, so a crash redelivers it. Retries happen in place and
// hold the partition lane, which keeps per-key order intact.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/taskbus/internal/runtime/broker"
	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/dedupe"
	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/events"
	"github.com/drblury/taskbus/internal/runtime/logging"
	"github.com/drblury/taskbus/internal/runtime/metadata"
	"github.com/drblury/taskbus/internal/runtime/topics"
)

const (
	DefaultMaxRetries     = 5
	DefaultBackoff        = 200 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultHandlerTimeout = 10 * time.Second

	tracerName = "github.com/drblury/taskbus/consumer"
)

// Handler processes one validated event. Returning nil commits the message.
// errors.ErrSkip commits without further work, errors.Permanent dead-letters
// at once, and any other error is retried.
//
// A handler that overruns the handler timeout is abandoned, not stopped, and
// the next attempt may start while it still runs. Handlers must return once
// ctx is done.
type Handler func(ctx context.Context, evt events.Event) error

// Options configures a Consumer.
type Options struct {
	ConsumerGroup string
	// Name labels handler errors. Defaults to ConsumerGroup.
	Name string
	// MaxRetries is the total number of handler attempts per message.
	MaxRetries     int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration
	// DeadLetters also receives every dead-letter record when set.
	DeadLetters deadletter.Store
	// Dedupe skips events this group already committed when set.
	Dedupe dedupe.Store
	Hooks  Hooks
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = o.ConsumerGroup
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = DefaultHandlerTimeout
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}

// Consumer subscribes handlers for one consumer group.
type Consumer struct {
	broker broker.Broker
	logger logging.ServiceLogger
	opts   Options
	now    func() time.Time

	mu   sync.Mutex
	subs []broker.Subscription
}

// New validates opts and returns a Consumer reading through b.
func New(b broker.Broker, logger logging.ServiceLogger, opts Options) (*Consumer, error) {
	if b == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if opts.ConsumerGroup == "" {
		return nil, errspkg.ErrConsumerGroupNeeded
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Consumer{
		broker: b,
		logger: logger.With(logging.LogFields{"component": "consumer", "consumer_group": opts.ConsumerGroup}),
		opts:   opts.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Subscribe starts handling topic with h.
func (c *Consumer) Subscribe(ctx context.Context, topic string, h Handler) (broker.Subscription, error) {
	if h == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	sub, err := c.broker.Subscribe(ctx, topic, c.opts.ConsumerGroup, func(ctx context.Context, msg *broker.Message) error {
		return c.process(ctx, msg, h)
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// Subscriptions lists the subscriptions started by Subscribe or Run that
// have not been released by Run.
func (c *Consumer) Subscriptions() []broker.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Subscription, len(c.subs))
	copy(out, c.subs)
	return out
}

func (c *Consumer) release(subs []broker.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[:0]
	for _, sub := range c.subs {
		released := false
		for _, s := range subs {
			if s == sub {
				released = true
				break
			}
		}
		if !released {
			kept = append(kept, sub)
		}
	}
	c.subs = kept
}

// Run subscribes h to every topic and blocks until ctx is cancelled. It
// returns once in-flight messages have finished.
func (c *Consumer) Run(ctx context.Context, h Handler, topicNames ...string) error {
	if len(topicNames) == 0 {
		return errspkg.ErrTopicRequired
	}
	subs := make([]broker.Subscription, 0, len(topicNames))
	stopAll := func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
		for _, sub := range subs {
			sub.Wait()
		}
		c.release(subs)
	}
	for _, topic := range topicNames {
		sub, err := c.Subscribe(ctx, topic, h)
		if err != nil {
			stopAll()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	c.logger.Info("Consumer running", logging.LogFields{"topics": topicNames})
	<-ctx.Done()
	stopAll()
	c.logger.Info("Consumer stopped", logging.LogFields{"topics": topicNames})
	return nil
}

// process drives one delivery to a terminal state. A nil return acks the
// message; an error nacks it.
func (c *Consumer) process(ctx context.Context, msg *broker.Message, h Handler) error {
	d := Delivery{
		Context:       ctx,
		ConsumerGroup: c.opts.ConsumerGroup,
		Topic:         msg.Topic,
		Key:           msg.Key,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		MessageUUID:   msg.UUID,
		EventID:       msg.Metadata[metadata.KeyEventID],
		EventType:     events.Type(msg.Metadata[metadata.KeyEventType]),
		State:         StateReceived,
		ReceivedAt:    msg.ReceivedAt,
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = c.now()
	}

	ctx, span := c.opts.Tracer.Start(ctx, "taskbus.consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "taskbus"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.consumer.group.name", c.opts.ConsumerGroup),
			attribute.String("messaging.message.id", msg.UUID),
			attribute.String("taskbus.partition_key", msg.Key),
		),
	)
	defer span.End()
	d.Context = ctx

	if c.opts.Hooks.OnStart != nil {
		c.opts.Hooks.OnStart(d)
	}

	evt, err := events.Validate(msg.Payload)
	if err != nil {
		var verr *errspkg.ValidationError
		if errors.As(err, &verr) {
			d.EventID = verr.EventID
			d.EventType = events.Type(verr.EventType)
		}
		d.Attempt = 1
		return c.deadLetter(ctx, span, &d, msg, verr, "", err, d.ReceivedAt)
	}
	d.EventID = evt.ID
	d.EventType = evt.Type
	span.SetAttributes(
		attribute.String("taskbus.event_id", evt.ID),
		attribute.String("taskbus.event_type", evt.Type.String()),
		attribute.String("taskbus.correlation_id", evt.CorrelationID),
	)

	if c.seen(ctx, evt.ID) {
		d.Duplicate = true
		d.Skipped = true
		c.move(&d, StateCommitted)
		c.committed(d)
		return nil
	}

	var (
		firstFailedAt time.Time
		lastErr       error
		result        errspkg.Result
	)
	operation := func() (errspkg.Result, error) {
		c.move(&d, StateProcessing)
		d.Attempt++
		err := c.invoke(ctx, h, evt)
		res := errspkg.Classify(err)
		switch res {
		case errspkg.ResultAck, errspkg.ResultSkip:
			return res, nil
		}
		lastErr = err
		if firstFailedAt.IsZero() {
			firstFailedAt = c.now()
		}
		if res == errspkg.ResultDeadLetter {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		c.move(&d, StateRetrying)
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", d.Attempt)))
		if c.opts.Hooks.OnRetry != nil {
			c.opts.Hooks.OnRetry(d, lastErr, next)
		}
	}

	result, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.opts.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		d.Skipped = result == errspkg.ResultSkip
		c.markSeen(ctx, evt.ID)
		c.move(&d, StateCommitted)
		c.committed(d)
		return nil
	}
	if lastErr == nil {
		// The retry loop stopped on its context rather than a handler error.
		lastErr = err
	}
	return c.deadLetter(ctx, span, &d, msg, nil, evt.Version, lastErr, firstFailedAt)
}

// invoke runs h under the handler timeout, turning panics and overruns into
// HandlerErrors. An overrunning handler is abandoned, not killed; handlers
// must honour ctx.
func (c *Consumer) invoke(ctx context.Context, h Handler, evt events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h(ctx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler timed out after %s: %w", c.opts.HandlerTimeout, err)
	}
	return &errspkg.HandlerError{Handler: c.opts.Name, Cause: err}
}

func (c *Consumer) deadLetter(ctx context.Context, span trace.Span, d *Delivery, msg *broker.Message, verr *errspkg.ValidationError, version string, cause error, firstFailedAt time.Time) error {
	now := c.now()
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}
	rec := deadletter.Record{
		RecordID:       deadletter.NewRecordID(),
		EventID:        d.EventID,
		EventType:      d.EventType.String(),
		Envelope:       string(msg.Payload),
		OriginalTopic:  msg.Topic,
		PartitionKey:   msg.Key,
		ErrorMessage:   cause.Error(),
		ErrorKind:      errorKind(cause),
		AttemptCount:   max(d.Attempt, 1),
		FirstFailedAt:  firstFailedAt,
		DeadLetteredAt: now,
		ConsumerGroup:  c.opts.ConsumerGroup,
	}
	switch {
	case verr != nil:
		rec.EventVersion = verr.EventVersion
	case version != "":
		rec.EventVersion = version
	default:
		rec.EventVersion = msg.Metadata[metadata.KeyEventVersion]
	}
	d.Duration = now.Sub(d.ReceivedAt)

	span.RecordError(cause)
	span.SetStatus(codes.Error, "dead-lettered")

	raw, err := rec.Marshal()
	if err == nil {
		md := metadata.New(
			metadata.KeyRecordID, rec.RecordID,
			metadata.KeyOriginalTopic, rec.OriginalTopic,
			metadata.KeyErrorKind, rec.ErrorKind,
			metadata.KeyEventID, rec.EventID,
			metadata.KeyEventType, rec.EventType,
			metadata.KeyContentType, metadata.ContentTypeJSON,
		)
		err = c.broker.Publish(ctx, topics.DeadLetter, msg.Key, raw, md)
	}
	if err != nil {
		err = fmt.Errorf("publish dead-letter record: %w", err)
		c.move(d, StateNacked)
		if c.opts.Hooks.OnNacked != nil {
			c.opts.Hooks.OnNacked(*d, err)
		}
		return err
	}

	if c.opts.DeadLetters != nil {
		if err := c.opts.DeadLetters.Record(ctx, rec); err != nil {
			c.logger.Error("Could not store dead-letter record", err, logging.LogFields{"record_id": rec.RecordID, "topic": rec.OriginalTopic})
		}
	}

	c.move(d, StateDeadLettered)
	if c.opts.Hooks.OnDeadLettered != nil {
		c.opts.Hooks.OnDeadLettered(*d, rec)
	}
	return nil
}

func (c *Consumer) committed(d Delivery) {
	d.Duration = c.now().Sub(d.ReceivedAt)
	if c.opts.Hooks.OnCommitted != nil {
		c.opts.Hooks.OnCommitted(d)
	}
}

func (c *Consumer) move(d *Delivery, to State) {
	if !d.State.CanMove(to) {
		c.logger.Error("Illegal delivery transition", fmt.Errorf("%s -> %s", d.State, to), deliveryFields(*d))
	}
	d.State = to
}

func (c *Consumer) seen(ctx context.Context, eventID string) bool {
	if c.opts.Dedupe == nil {
		return false
	}
	seen, err := c.opts.Dedupe.Seen(ctx, c.opts.ConsumerGroup, eventID)
	if err != nil {
		// Handlers are idempotent; processing twice beats dropping.
		c.logger.Error("Dedupe lookup failed", err, logging.LogFields{"event_id": eventID})
		return false
	}
	return seen
}

func (c *Consumer) markSeen(ctx context.Context, eventID string) {
	if c.opts.Dedupe == nil {
		return
	}
	if err := c.opts.Dedupe.Mark(ctx, c.opts.ConsumerGroup, eventID); err != nil {
		c.logger.Error("Dedupe mark failed", err, logging.LogFields{"event_id": eventID})
	}
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.opts.MaxBackoff,
	}
}
