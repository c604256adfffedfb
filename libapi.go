package omegawire

import (
	"github.com/drblury/omegawire/internal/chronicle"
	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/policy"
	"github.com/drblury/omegawire/internal/registry"
	"github.com/drblury/omegawire/internal/replay"
	runtimepkg "github.com/drblury/omegawire/internal/runtime"
	clockpkg "github.com/drblury/omegawire/internal/runtime/clock"
	ce "github.com/drblury/omegawire/internal/runtime/cloudevents"
	configpkg "github.com/drblury/omegawire/internal/runtime/config"
	errspkg "github.com/drblury/omegawire/internal/runtime/errors"
	handlerpkg "github.com/drblury/omegawire/internal/runtime/handlers"
	idspkg "github.com/drblury/omegawire/internal/runtime/ids"
	jsoncodec "github.com/drblury/omegawire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/omegawire/internal/runtime/logging"
	transportpkg "github.com/drblury/omegawire/internal/runtime/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config        = configpkg.Config
	CircuitConfig = configpkg.CircuitConfig
	PolicyConfig  = configpkg.PolicyConfig
	HandlerConfig = configpkg.HandlerConfig

	Orchestrator    = runtimepkg.Orchestrator
	Dependencies    = runtimepkg.Dependencies
	Resolver        = runtimepkg.Resolver
	ReplayGuard     = runtimepkg.ReplayGuard
	DispatchResult  = runtimepkg.DispatchResult
	Result          = runtimepkg.Result
	DispatchMetrics = runtimepkg.DispatchMetrics
	CircuitState    = runtimepkg.CircuitState
	CircuitSnapshot = runtimepkg.CircuitSnapshot
	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot

	// Dispatch lifecycle hooks
	DispatchInfo  = runtimepkg.DispatchInfo
	DispatchHooks = runtimepkg.DispatchHooks

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Submitter           = runtimepkg.Submitter
	AdminOptions        = runtimepkg.AdminOptions
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportBuilder    = transportpkg.Builder
	TransportRegistry   = transportpkg.Registry

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Envelope        = envelope.Envelope
	Kind            = envelope.Kind
	AuthContext     = envelope.AuthContext
	BuildArgs       = envelope.BuildArgs
	Validator       = envelope.Validator
	ValidationError = envelope.ValidationError

	Registry     = registry.Registry
	Handler      = registry.Handler
	HandlerFunc  = registry.HandlerFunc
	Capabilities = registry.Capabilities

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any, O any]     = handlerpkg.JSONMessageHandler[T, O]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	Policy             = policy.Policy
	PolicyFunc         = policy.Func
	Decision           = policy.Decision
	PolicyEngine       = policy.Engine
	PolicyEngineConfig = policy.Config
	PolicyRule         = policy.Rule

	ReplayStrategy = replay.Strategy
	ReplayOptions  = replay.Options
	ReplayStore    = replay.Store

	Chronicle          = chronicle.Chronicle
	ChronicleRecord    = chronicle.Record
	ChronicleEventType = chronicle.EventType
	SQLConfig          = chronicle.SQLConfig

	Clock     = clockpkg.Clock
	IDFactory = idspkg.Factory
	Event     = ce.Event
	Error     = errspkg.Error
	LogFields = loggingpkg.LogFields

	ServiceLogger         = loggingpkg.ServiceLogger
	ConfigValidationError = errspkg.ConfigValidationError
)

// ModuleName is the module reported on orchestrator errors.
const ModuleName = runtimepkg.ModuleName

// Envelope kinds.
const (
	KindCommand = envelope.KindCommand
	KindQuery   = envelope.KindQuery
	KindEvent   = envelope.KindEvent
)

// Breaker states.
const (
	CircuitClosed   = runtimepkg.CircuitClosed
	CircuitOpen     = runtimepkg.CircuitOpen
	CircuitHalfOpen = runtimepkg.CircuitHalfOpen
)

// Orchestrator error codes.
const (
	CodeValidationFailed = runtimepkg.CodeValidationFailed
	CodePolicyRejected   = runtimepkg.CodePolicyRejected
	CodeReplayRejected   = runtimepkg.CodeReplayRejected
	CodeNoHandler        = runtimepkg.CodeNoHandler
	CodeExecutionFailed  = runtimepkg.CodeExecutionFailed
	CodeCircuitOpen      = runtimepkg.CodeCircuitOpen
	CodeTimeout          = runtimepkg.CodeTimeout
)

// SQL chronicle dialects.
const (
	DialectSQLite   = chronicle.DialectSQLite
	DialectPostgres = chronicle.DialectPostgres
)

// Replay strategies.
const (
	ReplayReject     = replay.StrategyReject
	ReplayIdempotent = replay.StrategyIdempotent
)

// Metadata keys set on result messages.
const (
	MetadataCorrelationID = runtimepkg.MetadataCorrelationID
	MetadataContentType   = runtimepkg.MetadataContentType
	MetadataTraceID       = runtimepkg.MetadataTraceID
	MetadataMessageID     = runtimepkg.MetadataMessageID
	MetadataResultCode    = runtimepkg.MetadataResultCode
	MetadataInReplyTo     = runtimepkg.MetadataInReplyTo
)

var (
	New         = runtimepkg.New
	NewMetrics  = runtimepkg.NewMetrics
	Ok          = runtimepkg.Ok
	Err         = runtimepkg.Err
	NewError    = errspkg.New
	SafeError   = errspkg.Safe
	NewRegistry = registry.New

	NewService           = runtimepkg.NewService
	NewAdminHandler      = runtimepkg.NewAdminHandler
	PublishEnvelope      = runtimepkg.PublishEnvelope
	NewEnvelopeMessage   = runtimepkg.NewEnvelopeMessage
	ValidateConfig       = configpkg.ValidateConfig
	DefaultTransports    = transportpkg.DefaultFactory
	NewTransportRegistry = transportpkg.NewRegistry

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	BuildEnvelope        = envelope.Build
	NewValidator         = envelope.NewValidator
	WithHashVerification = envelope.WithHashVerification
	SealEnvelope         = envelope.Seal
	ComputeReplayKey     = envelope.ComputeReplayKey
	HandlerKey           = envelope.HandlerKey

	EchoHandler = handlerpkg.Echo

	AllowAll            = policy.AllowAll
	DenyAll             = policy.DenyAll
	ModuleWhitelist     = policy.ModuleWhitelist
	Allowed             = policy.Allowed
	Denied              = policy.Denied
	NewPolicyEngine     = policy.NewEngine
	PolicyFromConfig    = policy.FromConfig
	NewPermissivePolicy = policy.NewPermissiveEngine
	NewStrictPolicy     = policy.NewStrictEngine

	NewReplayGuard       = replay.NewGuard
	NewMemoryReplayStore = replay.NewMemoryStore
	NewRedisReplayStore  = replay.NewRedisStore

	NewMemoryChronicle     = chronicle.NewMemoryChronicle
	OpenSQLChronicle       = chronicle.OpenSQL
	NewPublishingChronicle = chronicle.NewPublishingChronicle
	VerifyChain            = chronicle.VerifyChain

	SystemClock    = clockpkg.System
	NewManualClock = clockpkg.NewManual
	CreateULID     = idspkg.CreateULID
	NewSequence    = idspkg.NewSequence

	NewCloudEvent   = ce.New
	ParseCloudEvent = ce.Parse

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrRegistryRequired   = errspkg.ErrRegistryRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrOrchestratorNeeded = errspkg.ErrOrchestratorNeeded
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrEnvelopeRequired   = errspkg.ErrEnvelopeRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrChainBroken        = chronicle.ErrChainBroken
	ErrHandlerNotFound    = registry.ErrHandlerNotFound

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextLogger        = loggingpkg.NewTextLogger
	NewNopLogger         = loggingpkg.NewNopLogger
)

// JSONHandler adapts a typed handler that decodes the envelope payload into T.
func JSONHandler[T any, O any](h JSONMessageHandler[T, O]) (Handler, error) {
	return handlerpkg.JSON[T, O](h)
}

// MustJSONHandler is JSONHandler that panics on a bad payload type.
func MustJSONHandler[T any, O any](h JSONMessageHandler[T, O]) Handler {
	return handlerpkg.MustJSON[T, O](h)
}

// ProtoHandler adapts a handler whose payload is decoded with protojson into
// a clone of prototype.
func ProtoHandler[T proto.Message](prototype T, h ProtoMessageHandler[T]) (Handler, error) {
	return handlerpkg.Proto[T](prototype, h)
}
