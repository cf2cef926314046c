package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/logging"
	"github.com/drblury/taskbus/internal/runtime/metadata"
	"github.com/drblury/taskbus/transport"
)

const (
	defaultKeyLanes   = 16
	defaultLaneBuffer = 8
)

// Options tunes a WatermillBroker. Zero values select the defaults.
type Options struct {
	// KeyLanes is the number of sequential lanes used when the transport does
	// not report partitions. Keys are hashed onto them.
	KeyLanes int
	// LaneBuffer is how many dispatched messages may wait per lane.
	LaneBuffer int
}

// WatermillBroker implements Broker on a Watermill transport.
type WatermillBroker struct {
	transport transport.Transport
	logger    logging.ServiceLogger
	opts      Options

	closed atomic.Bool
	mu     sync.Mutex
	subs   []*subscription
}

// New wraps tr. The broker owns the transport publisher and closes it.
func New(tr transport.Transport, logger logging.ServiceLogger, opts Options) (*WatermillBroker, error) {
	if tr.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if tr.Subscriber == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.KeyLanes <= 0 {
		opts.KeyLanes = defaultKeyLanes
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = defaultLaneBuffer
	}
	if caps := tr.Capabilities; caps.Name != "" && !caps.SupportsReliableDelivery() {
		logger.Info("Transport cannot redeliver nacked messages", logging.LogFields{"transport": caps.Name})
	}
	return &WatermillBroker{
		transport: tr,
		logger:    logger.With(logging.LogFields{"component": "broker"}),
		opts:      opts,
	}, nil
}

// Publish sends one message keyed by key. Broker failures come back as
// *errors.TransientBrokerError.
func (b *WatermillBroker) Publish(ctx context.Context, topic, key string, payload []byte, md metadata.Metadata) error {
	if b.closed.Load() {
		return errspkg.ErrBrokerClosed
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id := md[metadata.KeyEventID]
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata = metadata.ToWatermill(md.With(metadata.KeyPartitionKey, key))
	msg.SetContext(ctx)

	if err := b.transport.Publisher.Publish(topic, msg); err != nil {
		return &errspkg.TransientBrokerError{Op: "publish", Topic: topic, Cause: err}
	}
	return nil
}

// Subscribe joins consumerGroup on topic. Cancelling ctx closes the
// subscription the same way Close does.
func (b *WatermillBroker) Subscribe(ctx context.Context, topic, consumerGroup string, handler MessageHandler) (Subscription, error) {
	switch {
	case b.closed.Load():
		return nil, errspkg.ErrBrokerClosed
	case topic == "":
		return nil, errspkg.ErrTopicRequired
	case consumerGroup == "":
		return nil, errspkg.ErrConsumerGroupNeeded
	case handler == nil:
		return nil, errspkg.ErrHandlerRequired
	}

	subscriber, err := b.transport.Subscriber(consumerGroup)
	if err != nil {
		return nil, &errspkg.TransientBrokerError{Op: "subscribe", Topic: topic, Cause: err}
	}

	// The watermill subscription outlives ctx until in-flight work is done.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		_ = subscriber.Close()
		return nil, &errspkg.TransientBrokerError{Op: "subscribe", Topic: topic, Cause: err}
	}

	sub := newSubscription(subscriptionParams{
		topic:      topic,
		group:      consumerGroup,
		handler:    handler,
		logger:     b.logger.With(logging.LogFields{"topic": topic, "consumer_group": consumerGroup}),
		locate:     b.transport.Locate,
		keyLanes:   b.opts.KeyLanes,
		laneBuffer: b.opts.LaneBuffer,
		subscriber: subscriber,
		cancel:     cancel,
	})
	go sub.dispatch(msgs)
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Info("Subscribed", logging.LogFields{"topic": topic, "consumer_group": consumerGroup})
	return sub, nil
}

// Close stops every subscription, waiting for in-flight messages, then closes
// the publisher.
func (b *WatermillBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return b.transport.Publisher.Close()
}
