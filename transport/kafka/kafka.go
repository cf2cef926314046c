// Package kafka provides the Kafka transport. Messages are keyed by the
// partition_key metadata and placed with sarama's hash partitioner, so every
// event of one task lands on one partition.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/taskbus/internal/runtime/metadata"
	"github.com/drblury/taskbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.KafkaCapabilities)
}

// Marshaler keys every record by its partition_key metadata and keeps the
// remaining metadata as headers.
func Marshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(partitionKey)
}

func partitionKey(topic string, msg *message.Message) (string, error) {
	key := msg.Metadata.Get(metadata.KeyPartitionKey)
	if key == "" {
		return "", fmt.Errorf("message %s for %s has no %s", msg.UUID, topic, metadata.KeyPartitionKey)
	}
	return key, nil
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: brokers are required")
	}
	clientID := cfg.GetKafkaClientID()
	marshaler := Marshaler()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: PublisherSaramaConfig(clientID),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscribe := func(consumerGroup string) (message.Subscriber, error) {
		if consumerGroup == "" {
			return nil, fmt.Errorf("kafka: consumer group is required")
		}
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         consumerGroup,
				OverwriteSaramaConfig: SubscriberSaramaConfig(clientID),
			},
			logger,
		)
	}

	return transport.Transport{
		Publisher:    publisher,
		Subscriber:   subscribe,
		Locate:       Locate,
		Capabilities: transport.KafkaCapabilities,
	}, nil
}

// PublisherSaramaConfig waits for all in-sync replicas and leaves retries to
// the caller.
func PublisherSaramaConfig(clientID string) *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 0
	return cfg
}

// SubscriberSaramaConfig starts new groups at the oldest retained offset.
// Offsets are only marked once the message is acked.
func SubscriberSaramaConfig(clientID string) *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

// Locate reads the partition and offset the subscriber stored on the message
// context.
func Locate(msg *message.Message) (transport.Position, bool) {
	partition, ok := kafka.MessagePartitionFromCtx(msg.Context())
	if !ok {
		return transport.Position{}, false
	}
	offset, _ := kafka.MessagePartitionOffsetFromCtx(msg.Context())
	return transport.Position{Partition: partition, Offset: offset}, true
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
