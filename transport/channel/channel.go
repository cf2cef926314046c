// Package channel provides an in-memory transport on Watermill's gochannel.
// It is meant for tests and local development: there are no partitions,
// every subscriber receives every message whatever its consumer group, and
// messages published before a subscription exists are dropped.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/taskbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the transport to the default registry, also as "gochannel".
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
	transport.DefaultRegistry.Alias("gochannel", TransportName)
}

// Config makes Publish wait for the subscribers' ack. gochannel hands each
// message to subscribers from its own goroutine, so without the wait two
// publishes of the same key could overtake each other.
func Config() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(Config(), logger)
	shared := sharedSubscriber{Subscriber: sub}
	return transport.Transport{
		Publisher: pub,
		Subscriber: func(string) (message.Subscriber, error) {
			return shared, nil
		},
		Capabilities: transport.ChannelCapabilities,
	}, nil
}

// sharedSubscriber leaves closing to the publisher side, which owns the
// underlying gochannel.
type sharedSubscriber struct {
	message.Subscriber
}

func (sharedSubscriber) Close() error { return nil }

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
