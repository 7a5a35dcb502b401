// Package transports assembles the built-in transports into a registry.
package transports

import (
	"github.com/drblury/identityhistory/transport"
	"github.com/drblury/identityhistory/transport/channel"
	"github.com/drblury/identityhistory/transport/eventhub"
	"github.com/drblury/identityhistory/transport/kafka"
	"github.com/drblury/identityhistory/transport/rabbitmq"
	"github.com/drblury/identityhistory/transport/servicebus"
)

// Production returns a registry holding the four broker transports an
// EventsSystem value can select.
func Production() *transport.Registry {
	r := transport.NewRegistry()
	servicebus.Register(r)
	eventhub.Register(r)
	rabbitmq.Register(r)
	kafka.Register(r)
	return r
}

// All returns the production registry plus the in-memory channel transport.
func All() *transport.Registry {
	r := Production()
	channel.Register(r)
	return r
}
