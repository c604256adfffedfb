package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/registry"
	"github.com/drblury/omegawire/internal/runtime/cloudevents"
	configpkg "github.com/drblury/omegawire/internal/runtime/config"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/omegawire/internal/runtime/logging"
	transportpkg "github.com/drblury/omegawire/internal/runtime/transport"
)

type factoryFunc func(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error)

func (f factoryFunc) Build(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
	return f(ctx, conf, logger)
}

func testTransportFactory(pub message.Publisher, sub message.Subscriber) transportpkg.Factory {
	return factoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	})
}

func jsonMessage(t *testing.T, raw any) *message.Message {
	t.Helper()
	body, err := jsoncodec.Marshal(raw)
	require.NoError(t, err)
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(MetadataContentType, contentTypeJSON)
	return msg
}

func decodeResult(t *testing.T, msg *message.Message) DispatchResult {
	t.Helper()
	var res DispatchResult
	require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &res))
	return res
}

func TestNewServiceValidatesArguments(t *testing.T) {
	orch, err := New(nil, Dependencies{Registry: registry.New()})
	require.NoError(t, err)
	log := loggingpkg.NewNopLogger()
	ctx := context.Background()

	_, err = NewService(nil, log, ctx, ServiceDependencies{Orchestrator: orch})
	assert.ErrorIs(t, err, rterrors.ErrConfigRequired)

	_, err = NewService(&configpkg.Config{}, nil, ctx, ServiceDependencies{Orchestrator: orch})
	assert.ErrorIs(t, err, rterrors.ErrLoggerRequired)

	_, err = NewService(&configpkg.Config{}, log, ctx, ServiceDependencies{})
	assert.ErrorIs(t, err, rterrors.ErrOrchestratorNeeded)

	_, err = NewService(&configpkg.Config{PubSubSystem: "rabbitmq"}, log, ctx, ServiceDependencies{Orchestrator: orch})
	var cfgErr rterrors.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewServiceTransportFailure(t *testing.T) {
	orch, err := New(nil, Dependencies{Registry: registry.New()})
	require.NoError(t, err)
	boom := errors.New("broker unreachable")

	_, err = NewService(&configpkg.Config{}, loggingpkg.NewNopLogger(), context.Background(), ServiceDependencies{
		Orchestrator: orch,
		TransportFactory: factoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
			return transportpkg.Transport{}, boom
		}),
	})

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "build transport")
}

func TestNewServiceRequiresBothTransportSides(t *testing.T) {
	orch, err := New(nil, Dependencies{Registry: registry.New()})
	require.NoError(t, err)

	_, err = NewService(&configpkg.Config{}, loggingpkg.NewNopLogger(), context.Background(), ServiceDependencies{
		Orchestrator:     orch,
		TransportFactory: testTransportFactory(&testPublisher{}, nil),
		Registerer:       prometheus.NewRegistry(),
	})
	assert.ErrorIs(t, err, rterrors.ErrSubscriberRequired)
}

func TestNewServiceMiddlewareBuilderError(t *testing.T) {
	orch, err := New(nil, Dependencies{Registry: registry.New()})
	require.NoError(t, err)

	_, err = NewService(&configpkg.Config{}, loggingpkg.NewNopLogger(), context.Background(), ServiceDependencies{
		Orchestrator:              orch,
		DisableDefaultMiddlewares: true,
		TransportFactory:          testTransportFactory(&testPublisher{}, &testSubscriber{}),
		Middlewares: []MiddlewareRegistration{{
			Name: "broken",
			Builder: func(*Service) (message.HandlerMiddleware, error) {
				return nil, errors.New("no backend")
			},
		}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register middleware broken")
}

func TestRegisterMiddlewareRequiresMiddlewareOrBuilder(t *testing.T) {
	s := newTestService(t, nil)

	assert.Error(t, s.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	assert.NoError(t, s.RegisterMiddleware(MiddlewareRegistration{
		Name:    "skipped",
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
	}))
}

func TestMetricsMiddlewareDisabledByDefault(t *testing.T) {
	s := newTestService(t, nil)

	mw, err := MetricsMiddleware().Builder(s)

	require.NoError(t, err)
	assert.Nil(t, mw)
}

func TestMetricsMiddlewareEnabled(t *testing.T) {
	s := newTestService(t, nil)
	s.Conf.MetricsEnabled = true

	mw, err := MetricsMiddleware().Builder(s)

	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	s := newTestService(t, nil)
	var seen string
	handler := s.correlationIDMiddleware()(func(msg *message.Message) ([]*message.Message, error) {
		seen = msg.Metadata.Get(MetadataCorrelationID)
		return nil, nil
	})

	msg := message.NewMessage("1", nil)
	_, err := handler(msg)
	require.NoError(t, err)
	assert.NotEmpty(t, seen)

	msg = message.NewMessage("2", nil)
	msg.Metadata.Set(MetadataCorrelationID, "corr-1")
	_, err = handler(msg)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", seen)
}

func TestConsumeJSON(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, okHandler(map[string]any{"stored": true}))
	s := newTestService(t, h.orch)

	msg := jsonMessage(t, validInput(nil))
	msg.Metadata.Set(MetadataCorrelationID, "corr-42")

	out, err := s.consume(msg)

	require.NoError(t, err)
	require.Len(t, out, 1)
	reply := out[0]
	assert.Equal(t, contentTypeJSON, reply.Metadata.Get(MetadataContentType))
	assert.Equal(t, "trace-001", reply.Metadata.Get(MetadataTraceID))
	assert.Equal(t, "msg-001", reply.Metadata.Get(MetadataMessageID))
	assert.Equal(t, "OK", reply.Metadata.Get(MetadataResultCode))
	assert.Equal(t, msg.UUID, reply.Metadata.Get(MetadataInReplyTo))
	assert.Equal(t, "corr-42", reply.Metadata.Get(MetadataCorrelationID))

	res := decodeResult(t, reply)
	require.True(t, res.Result.OK)
	assert.Equal(t, map[string]any{"stored": true}, res.Result.Value)
}

func TestConsumeInvalidPayloadIsAnsweredNotFailed(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestService(t, h.orch)

	out, err := s.consume(message.NewMessage(watermill.NewUUID(), []byte("{not json")))

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, CodeValidationFailed, out[0].Metadata.Get(MetadataResultCode))
	assert.Equal(t, "unknown", out[0].Metadata.Get(MetadataTraceID))
	assert.Empty(t, out[0].Metadata.Get(MetadataCorrelationID))
}

func TestConsumeProtobufStruct(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, func(_ context.Context, env *envelope.Envelope) (any, error) {
		return env.Payload, nil
	})
	s := newTestService(t, h.orch)

	st, err := structpb.NewStruct(validInput(nil))
	require.NoError(t, err)
	body, err := proto.Marshal(st)
	require.NoError(t, err)
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(MetadataContentType, contentTypeProtobuf)

	out, err := s.consume(msg)

	require.NoError(t, err)
	res := decodeResult(t, out[0])
	require.True(t, res.Result.OK, "unexpected error: %+v", res.Result.Err)
	assert.Equal(t, map[string]any{"key": "test", "value": float64(42)}, res.Result.Value)
}

func TestConsumeUndecodableProtobuf(t *testing.T) {
	h := newHarness(t, nil)
	s := newTestService(t, h.orch)

	msg := message.NewMessage(watermill.NewUUID(), []byte{0xff, 0xff, 0xff})
	msg.Metadata.Set(MetadataContentType, contentTypeProtobufLegacy)

	out, err := s.consume(msg)

	require.NoError(t, err)
	assert.Equal(t, CodeValidationFailed, out[0].Metadata.Get(MetadataResultCode))
}

func TestConsumeCloudEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, okHandler("ok"))
	s := newTestService(t, h.orch)

	evt := cloudevents.New("omega.dispatch.request", "gateway", validInput(nil))
	body, err := jsoncodec.Marshal(evt)
	require.NoError(t, err)
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(MetadataContentType, cloudevents.ContentType)
	msg.Metadata.Set(MetadataCorrelationID, "corr-ce")

	out, err := s.consume(msg)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, cloudevents.ContentType, out[0].Metadata.Get(MetadataContentType))

	reply, err := cloudevents.Parse(out[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, cloudevents.TypeDispatchResult, reply.Type)
	assert.Equal(t, ModuleName, reply.Source)
	assert.Equal(t, "trace-001", reply.Subject)
	assert.Equal(t, "OK", reply.ExtensionString(cloudevents.ExtResultCode))
	assert.Equal(t, "msg-001", reply.ExtensionString(cloudevents.ExtMessageID))
	assert.Equal(t, msg.UUID, reply.ExtensionString(cloudevents.ExtInReplyTo))
	assert.Equal(t, "corr-ce", reply.ExtensionString(cloudevents.ExtCorrelationID))
}

func TestConsumeUnencodableResult(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, okHandler(make(chan int)))
	s := newTestService(t, h.orch)

	out, err := s.consume(jsonMessage(t, validInput(nil)))

	require.NoError(t, err)
	res := decodeResult(t, out[0])
	require.False(t, res.Result.OK)
	assert.Equal(t, rterrors.Safe(ModuleName, CodeExecutionFailed, false), res.Result.Err)
	assert.Equal(t, CodeExecutionFailed, out[0].Metadata.Get(MetadataResultCode))
}

func TestServiceDispatchesOverChannelTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, okHandler("stored"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(&configpkg.Config{PubSubSystem: "channel"}, loggingpkg.NewNopLogger(), ctx, ServiceDependencies{
		Orchestrator: h.orch,
		Registerer:   prometheus.NewRegistry(),
		Gatherer:     prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	assert.Same(t, h.orch, svc.Orchestrator())

	results, err := svc.subscriber.Subscribe(ctx, svc.Conf.ResultTopic)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Start(ctx) }()
	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	env, err := envelope.Build(envelope.BuildArgs{
		TraceID:        "trace-e2e",
		SourceModule:   "gateway",
		TargetModule:   testModule,
		Kind:           envelope.KindCommand,
		PayloadSchema:  "memory.write",
		PayloadVersion: "v1.0.0",
		ModuleVersion:  testVersion,
		Payload:        map[string]any{"key": "k"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, env, message.Metadata{MetadataCorrelationID: "corr-e2e"}))

	select {
	case reply := <-results:
		reply.Ack()
		assert.Equal(t, "trace-e2e", reply.Metadata.Get(MetadataTraceID))
		assert.Equal(t, env.MessageID, reply.Metadata.Get(MetadataMessageID))
		assert.Equal(t, "corr-e2e", reply.Metadata.Get(MetadataCorrelationID))
		res := decodeResult(t, reply)
		require.True(t, res.Result.OK, "unexpected error: %+v", res.Result.Err)
		assert.Equal(t, "stored", res.Result.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no dispatch result published")
	}

	require.NoError(t, svc.Close())
	cancel()
	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
}

func TestPublishEnvelopeValidation(t *testing.T) {
	env := &envelope.Envelope{TraceID: "t", MessageID: "m"}

	assert.ErrorIs(t, PublishEnvelope(context.Background(), nil, "topic", env, nil), rterrors.ErrPublisherRequired)
	assert.ErrorIs(t, PublishEnvelope(context.Background(), &testPublisher{}, "", env, nil), rterrors.ErrTopicRequired)
	assert.ErrorIs(t, PublishEnvelope(context.Background(), &testPublisher{}, "topic", nil, nil), rterrors.ErrEnvelopeRequired)
}

func TestPublishEnvelopeEncodesMetadata(t *testing.T) {
	pub := &testPublisher{}
	env := &envelope.Envelope{TraceID: "trace-9", MessageID: "msg-9", Kind: envelope.KindEvent}

	require.NoError(t, PublishEnvelope(context.Background(), pub, "omega.dispatch", env, message.Metadata{"tenant": "acme", MetadataTraceID: "spoofed"}))

	msgs := pub.Messages("omega.dispatch")
	require.Len(t, msgs, 1)
	assert.Equal(t, "acme", msgs[0].Metadata.Get("tenant"))
	assert.Equal(t, "trace-9", msgs[0].Metadata.Get(MetadataTraceID))
	assert.Equal(t, "msg-9", msgs[0].Metadata.Get(MetadataMessageID))
	assert.Equal(t, contentTypeJSON, msgs[0].Metadata.Get(MetadataContentType))

	var decoded envelope.Envelope
	require.NoError(t, jsoncodec.Unmarshal(msgs[0].Payload, &decoded))
	assert.Equal(t, *env, decoded)
}

func TestServiceSubmitUsesConsumeTopic(t *testing.T) {
	s := newTestService(t, nil)
	pub := s.publisher.(*testPublisher)

	require.NoError(t, s.Submit(context.Background(), &envelope.Envelope{TraceID: "t", MessageID: "m"}, nil))

	assert.Len(t, pub.Messages(configpkg.DefaultConsumeTopic), 1)
}
