package identityhistory

import (
	"github.com/drblury/identityhistory/envelope"
	runtimepkg "github.com/drblury/identityhistory/internal/runtime"
	configpkg "github.com/drblury/identityhistory/internal/runtime/config"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	idspkg "github.com/drblury/identityhistory/internal/runtime/ids"
	jsoncodec "github.com/drblury/identityhistory/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/identityhistory/internal/runtime/logging"
	"github.com/drblury/identityhistory/store"
	"github.com/drblury/identityhistory/transport"
)

type (
	Config      = configpkg.Config
	App         = runtimepkg.App
	Options     = runtimepkg.Options
	StoreOpener = runtimepkg.StoreOpener
	Selection   = runtimepkg.Selection

	Consumer        = runtimepkg.Consumer
	ConsumerConfig  = runtimepkg.ConsumerConfig
	ConsumerHandle  = runtimepkg.ConsumerHandle
	Handler         = runtimepkg.Handler
	Processor       = runtimepkg.Processor
	Producer        = runtimepkg.Producer
	ProcessingError = runtimepkg.ProcessingError
	ProcessingKind  = runtimepkg.ProcessingKind

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Envelope      = envelope.Envelope
	IdentityEvent = envelope.IdentityEvent

	Store       = store.Store
	StoreRecord = store.Record
	StoreChange = store.Change

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	Compose    = runtimepkg.Compose
	OpenStore  = runtimepkg.OpenStore
	LoadConfig = configpkg.Load

	SelectTransport = runtimepkg.SelectTransport
	SelectStore     = runtimepkg.SelectStore

	NewConsumer  = runtimepkg.NewConsumer
	NewProcessor = runtimepkg.NewProcessor
	NewProducer  = runtimepkg.NewProducer
	Probe        = runtimepkg.Probe

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	IsMalformed = runtimepkg.IsMalformed
	IsTransient = runtimepkg.IsTransient

	NewEnvelope        = envelope.New
	NewReadinessMarker = envelope.NewReadinessMarker
	DecodeEvent        = envelope.DecodeEvent
	EncodeEvent        = envelope.EncodeEvent
	WithCorrelationID  = envelope.WithCorrelationID
	WithSequence       = envelope.WithSequence

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrStoreRequired        = errspkg.ErrStoreRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrReadinessProbeFailed = errspkg.ErrReadinessProbeFailed

	NewJSONLogger        = loggingpkg.NewJSONLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// Metadata keys carried by every envelope.
const (
	MetadataKeyType          = envelope.MetadataKeyType
	MetadataKeyCorrelationID = envelope.MetadataKeyCorrelationID
	MetadataKeySequence      = envelope.MetadataKeySequence
)

// Identity event type tags.
const (
	TypeIdentityCreated = envelope.TypeIdentityCreated
	TypeIdentityUpdated = envelope.TypeIdentityUpdated
	TypeIdentityDeleted = envelope.TypeIdentityDeleted
	TypeTopicCheck      = envelope.TypeTopicCheck
)

// Processing error kinds.
const (
	Malformed = runtimepkg.Malformed
	Transient = runtimepkg.Transient
)

// DefaultTopic is the topic the application probes and consumes.
const DefaultTopic = runtimepkg.Topic
