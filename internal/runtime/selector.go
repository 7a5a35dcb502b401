package runtime

import (
	"strings"

	configpkg "github.com/drblury/identityhistory/internal/runtime/config"
	"github.com/drblury/identityhistory/store/cosmos"
	"github.com/drblury/identityhistory/store/marten"
	"github.com/drblury/identityhistory/transport/eventhub"
	"github.com/drblury/identityhistory/transport/kafka"
	"github.com/drblury/identityhistory/transport/rabbitmq"
	"github.com/drblury/identityhistory/transport/servicebus"
)

// Fallback backends for unrecognized discriminators.
const (
	DefaultTransport = kafka.TransportName
	DefaultStore     = marten.BackendName
)

// Selection is the backend chosen for one configuration axis.
type Selection struct {
	// Name is the canonical backend name.
	Name string
	// Raw is the configured value as written.
	Raw string
	// Defaulted reports that Raw was absent or unrecognized and Name is the
	// fallback.
	Defaulted bool
}

var transportNames = []string{
	servicebus.TransportName,
	eventhub.TransportName,
	rabbitmq.TransportName,
	kafka.TransportName,
}

var storeNames = []string{
	cosmos.BackendName,
	marten.BackendName,
}

// SelectTransport resolves EventsSystem. It performs no I/O.
func SelectTransport(cfg *configpkg.Config) Selection {
	return selectBackend(cfg.EventsSystem, transportNames, DefaultTransport)
}

// SelectStore resolves DocumentDbConfig.DbBackend. It performs no I/O.
func SelectStore(cfg *configpkg.Config) Selection {
	return selectBackend(cfg.DocumentDbConfig.DbBackend, storeNames, DefaultStore)
}

func selectBackend(raw string, known []string, fallback string) Selection {
	value := strings.TrimSpace(raw)
	for _, name := range known {
		if strings.EqualFold(value, name) {
			return Selection{Name: name, Raw: raw}
		}
	}
	return Selection{Name: fallback, Raw: raw, Defaulted: true}
}
