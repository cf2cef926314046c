// Package broker is the seam between taskbus and the message infrastructure.
// Publishers and the consumer runtime only see the Broker interface; the
// Watermill-backed implementation reaches Kafka or the in-memory channel
// transport through the transport registry.
package broker

import (
	"context"
	"time"

	"github.com/drblury/taskbus/internal/runtime/metadata"
)

// Message is one delivery handed to a MessageHandler.
type Message struct {
	UUID     string
	Topic    string
	Key      string
	Payload  []byte
	Metadata metadata.Metadata
	// Partition and Offset are -1 when the transport has no partitions.
	Partition  int32
	Offset     int64
	ReceivedAt time.Time
}

// MessageHandler processes one message. Returning nil acks it; any error nacks
// it so the broker redelivers. The context is not cancelled by shutdown.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is a running consumer of one topic for one consumer group.
type Subscription interface {
	Topic() string
	ConsumerGroup() string
	// Wait blocks until the subscription stopped and every lane drained.
	Wait()
	// Close stops taking new messages, lets the in-flight ones finish, and
	// nacks the rest.
	Close() error
}

// Broker publishes keyed messages and runs ordered subscriptions. Messages
// sharing a key are delivered to the handler one at a time, in publish order.
type Broker interface {
	Publish(ctx context.Context, topic, key string, payload []byte, md metadata.Metadata) error
	Subscribe(ctx context.Context, topic, consumerGroup string, handler MessageHandler) (Subscription, error)
	Close() error
}
