package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/identityhistory/envelope"
	configpkg "github.com/drblury/identityhistory/internal/runtime/config"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	"github.com/drblury/identityhistory/store"
	"github.com/drblury/identityhistory/transport"
	"github.com/drblury/identityhistory/transport/channel"
)

func staticTransport(tr transport.Transport) transport.Builder {
	return func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return tr, nil
	}
}

func staticStore(st store.Store) StoreOpener {
	return func(ctx context.Context, sel Selection, cfg *configpkg.Config) (store.Store, error) {
		return st, nil
	}
}

func TestComposeValidations(t *testing.T) {
	ctx := context.Background()

	_, err := Compose(ctx, nil, newTestLogger(), Options{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = Compose(ctx, testConfig(), nil, Options{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	cfg := testConfig()
	cfg.Kafka.BootstrapServers = ""
	_, err = Compose(ctx, cfg, newTestLogger(), Options{})
	var cfgErr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "bootstrap servers")
}

func TestComposeLogsSelections(t *testing.T) {
	cfg := testConfig()
	cfg.EventsSystem = "carrier-pigeon"
	cfg.DocumentDbConfig.DbBackend = "marten"
	logger := newTestLogger()
	st := newCountingStore()

	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(DefaultTransport, staticTransport(channel.New(nil)), transport.KafkaCapabilities)

	app, err := Compose(context.Background(), cfg, logger, Options{
		Transports: reg,
		OpenStore:  staticStore(st),
	})
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, Selection{Name: DefaultTransport, Raw: "carrier-pigeon", Defaulted: true}, app.TransportSelection())
	assert.Equal(t, Selection{Name: DefaultStore, Raw: "marten"}, app.StoreSelection())

	entry, ok := logger.find("Unrecognized backend, using default")
	require.True(t, ok)
	assert.Equal(t, DefaultTransport, entry.fields["events_system"])
	assert.Equal(t, true, entry.fields["defaulted"])

	entry, ok = logger.find("Using DB backend")
	require.True(t, ok)
	assert.Equal(t, DefaultStore, entry.fields["db_backend"])
	assert.NotContains(t, fmt.Sprintf("%+v", entry.fields["config"]), "secret")

	entry, ok = logger.find("Using events system")
	require.True(t, ok)
	assert.Equal(t, "at-least-once", entry.fields["delivery_guarantee"])
	assert.Equal(t, false, entry.fields["native_dlq"])
	_, ok = logger.find("No poison queue configured, malformed messages are dropped")
	assert.True(t, ok)

	assert.Equal(t, "Starting up", logger.messages()[0])
}

func TestComposeStoreFailure(t *testing.T) {
	built := false
	_, err := Compose(context.Background(), testConfig(), newTestLogger(), Options{
		Transport: func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
			built = true
			return channel.New(nil), nil
		},
		OpenStore: func(ctx context.Context, sel Selection, cfg *configpkg.Config) (store.Store, error) {
			return nil, errors.New("connection refused")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open Marten store")
	assert.False(t, built)
}

func TestComposeTransportFailureClosesStore(t *testing.T) {
	st := newCountingStore()
	_, err := Compose(context.Background(), testConfig(), newTestLogger(), Options{
		Transport: func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
			return transport.Transport{}, errors.New("dial tcp: refused")
		},
		OpenStore: staticStore(st),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build kafka transport")
	assert.True(t, st.closed)
}

func TestComposeUsesTransportRegistry(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("kafka", staticTransport(channel.New(nil)))

	app, err := Compose(context.Background(), testConfig(), newTestLogger(), Options{
		Transports: reg,
		OpenStore:  staticStore(newCountingStore()),
	})
	require.NoError(t, err)
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
}

func TestAppRunProcessesEventsUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	logger := newTestLogger()
	st := newCountingStore()

	app, err := Compose(context.Background(), cfg, logger, Options{
		Transport: staticTransport(channel.New(nil)),
		OpenStore: staticStore(st),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	select {
	case <-app.Started():
	case err := <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not start")
	}

	for _, v := range []uint64{1, 3, 2} {
		require.NoError(t, app.Producer().Send(ctx, Topic, identityEnvelope(t, envelope.TypeIdentityUpdated, "u-42", v)))
	}
	require.Eventually(t, func() bool {
		rec, err := st.Get(context.Background(), "u-42")
		return err == nil && rec.Version == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	assert.True(t, st.closed)
	rec, err := st.Store.Get(context.Background(), "u-42")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Version)
	// The channel transport does not order deliveries, so which of v1 and v2
	// land before v3 varies; the history only ever moves forward.
	require.NotEmpty(t, rec.History)
	assert.Equal(t, uint64(3), rec.History[len(rec.History)-1].Version)
	for i := 1; i < len(rec.History); i++ {
		assert.Less(t, rec.History[i-1].Version, rec.History[i].Version)
	}

	_, ok := logger.find("Using events system")
	assert.False(t, ok, "an injected transport has no registered capabilities to report")

	for _, msg := range []string{"Starting up", "Using DB backend", "Readiness probe succeeded", "Started", "Shutting down"} {
		_, ok := logger.find(msg)
		assert.True(t, ok, "missing log %q", msg)
	}

	families, err := app.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "identity_history_events_total")
}

func TestAppRunProbeFailureClosesEverything(t *testing.T) {
	pub := &testPublisher{err: errors.New("topic not found")}
	sub := &testSubscriber{}
	st := newCountingStore()

	app, err := Compose(context.Background(), testConfig(), newTestLogger(), Options{
		Transport: staticTransport(transport.Transport{Publisher: pub, Subscriber: sub}),
		OpenStore: staticStore(st),
	})
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.ErrorIs(t, err, errspkg.ErrReadinessProbeFailed)
	assert.True(t, st.closed)
	assert.True(t, pub.closed)
	assert.True(t, sub.closed)

	select {
	case <-app.Started():
		t.Fatal("app must not report started after a failed probe")
	default:
	}
}
