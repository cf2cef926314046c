package transport

// Capabilities describes what a transport backend guarantees.
type Capabilities struct {
	Name string

	// SupportsOrdering: messages sharing a key are delivered in publish order.
	SupportsOrdering bool
	// SupportsPartitioning: the transport reports partitions through Locate.
	SupportsPartitioning bool
	// SupportsConsumerGroups: subscribers of one group split the partitions
	// instead of each receiving every message.
	SupportsConsumerGroups bool

	SupportsAck  bool
	SupportsNack bool

	// SupportsTracing: the transport propagates tracing headers natively.
	SupportsTracing bool

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka and wire-compatible brokers.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsOrdering:       true,
		SupportsPartitioning:   true,
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsTracing:        true,
		MaxMessageSize:         1048576, // Default 1MB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
