// Package transport defines how taskbus reaches a broker. Each transport
// (kafka, channel) lives in its own sub-package and registers itself with the
// registry under the name selected by the PUBSUB_SYSTEM setting.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// SubscriberFactory builds a subscriber that joins consumerGroup. Brokers with
// group semantics share partitions between subscribers of the same group.
type SubscriberFactory func(consumerGroup string) (message.Subscriber, error)

// Position is where a delivered message sits in its topic.
type Position struct {
	Partition int32
	Offset    int64
}

// Transport is a publisher plus a way to join consumer groups.
type Transport struct {
	Publisher  message.Publisher
	Subscriber SubscriberFactory
	// Locate reports the partition of a delivered message. Nil, or ok=false,
	// means the transport does not expose partitions.
	Locate func(msg *message.Message) (pos Position, ok bool)
	// Capabilities of the backend. Zero when the builder does not report them.
	Capabilities Capabilities
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
}
