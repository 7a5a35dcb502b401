// Package channel provides an in-memory Go channel transport. It backs tests
// and local runs and is never chosen by EventsSystem.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/identityhistory/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultConfig keeps messages published before the first subscriber, so a
// readiness marker sent ahead of Subscribe is still delivered.
var DefaultConfig = gochannel.Config{
	OutputChannelBuffer: 64,
	Persistent:          true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// Register adds the channel transport to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(logger), nil
}

// New returns a transport whose publisher and subscriber share one
// in-memory pub/sub.
func New(logger watermill.LoggerAdapter) transport.Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(DefaultConfig, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
