package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/chronicle"
	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/policy"
	"github.com/drblury/omegawire/internal/registry"
	"github.com/drblury/omegawire/internal/replay"
	"github.com/drblury/omegawire/internal/runtime/clock"
	configpkg "github.com/drblury/omegawire/internal/runtime/config"
	"github.com/drblury/omegawire/internal/runtime/ids"
	loggingpkg "github.com/drblury/omegawire/internal/runtime/logging"
)

const (
	testStartMs    = int64(1704499200000)
	testModule     = "memory"
	testVersion    = "memory@3.21.0"
	testHandlerKey = "memory@memory@3.21.0"
)

func validInput(overrides map[string]any) map[string]any {
	raw := map[string]any{
		"message_id":            "msg-001",
		"trace_id":              "trace-001",
		"timestamp":             float64(testStartMs),
		"source_module":         "gateway",
		"target_module":         testModule,
		"kind":                  "command",
		"payload_schema":        "memory.write",
		"payload_version":       "v1.0.0",
		"module_version":        testVersion,
		"replay_protection_key": "key-001",
		"payload":               map[string]any{"key": "test", "value": float64(42)},
	}
	for k, v := range overrides {
		if v == nil {
			delete(raw, k)
			continue
		}
		raw[k] = v
	}
	return raw
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (r *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) errors() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range r.entries {
		if e.level == "error" {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingLogger) has(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.msg == msg {
			return true
		}
	}
	return false
}

type harness struct {
	orch      *Orchestrator
	reg       *registry.Registry
	clock     *clock.Manual
	chronicle *chronicle.MemoryChronicle
	metrics   *Metrics
	promReg   *prometheus.Registry
	logger    *recordingLogger
}

func newHarness(t *testing.T, conf *configpkg.Config, opts ...func(*harness, *Dependencies)) *harness {
	t.Helper()
	h := &harness{
		reg:       registry.New(),
		clock:     clock.NewManual(testStartMs),
		chronicle: chronicle.NewMemoryChronicle(0),
		promReg:   prometheus.NewRegistry(),
		logger:    &recordingLogger{},
	}
	h.metrics = NewMetrics(h.promReg)
	require.NoError(t, h.metrics.Register())

	deps := Dependencies{
		Clock:     h.clock,
		Registry:  h.reg,
		Chronicle: h.chronicle,
		Logger:    h.logger,
		Metrics:   h.metrics,
		IDs:       ids.NewSequence("rec"),
	}
	for _, opt := range opts {
		opt(h, &deps)
	}
	orch, err := New(conf, deps)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) register(t *testing.T, fn registry.HandlerFunc) {
	t.Helper()
	require.NoError(t, h.reg.Register(testModule, testVersion, fn, registry.Capabilities{}))
}

func (h *harness) events(t *testing.T, traceID string) []chronicle.EventType {
	t.Helper()
	records, err := h.chronicle.ForTrace(context.Background(), traceID)
	require.NoError(t, err)
	out := make([]chronicle.EventType, len(records))
	for i, r := range records {
		out[i] = r.EventType
	}
	return out
}

func okHandler(value any) registry.HandlerFunc {
	return func(context.Context, *envelope.Envelope) (any, error) {
		return value, nil
	}
}

func failingHandler(err error) registry.HandlerFunc {
	return func(context.Context, *envelope.Envelope) (any, error) {
		return nil, err
	}
}

// countingPolicy counts checks and returns decision for every envelope.
type countingPolicy struct {
	decision policy.Decision
	calls    atomic.Int32
}

func (p *countingPolicy) Check(context.Context, *envelope.Envelope) policy.Decision {
	p.calls.Add(1)
	return p.decision
}

// countingReplay counts calls and treats every envelope as new.
type countingReplay struct {
	checks  atomic.Int32
	updates atomic.Int32
}

func (r *countingReplay) CheckAndRecord(context.Context, *envelope.Envelope) (replay.CheckResult, error) {
	r.checks.Add(1)
	return replay.CheckResult{Status: replay.StatusNew}, nil
}

func (r *countingReplay) UpdateCachedResult(context.Context, string, any) error {
	r.updates.Add(1)
	return nil
}

// countingResolver counts lookups against the wrapped registry.
type countingResolver struct {
	reg   *registry.Registry
	calls atomic.Int32
}

func (r *countingResolver) Resolve(env *envelope.Envelope) (registry.Resolution, error) {
	r.calls.Add(1)
	return r.reg.Resolve(env)
}

// collaborators is a set of counting fakes wired into a harness.
type collaborators struct {
	policy   *countingPolicy
	replay   *countingReplay
	resolver *countingResolver
}

func (c *collaborators) install(h *harness, d *Dependencies) {
	c.resolver = &countingResolver{reg: h.reg}
	d.Policy = c.policy
	d.ReplayGuard = c.replay
	d.Registry = c.resolver
}

func newCollaborators(decision policy.Decision) *collaborators {
	return &collaborators{
		policy: &countingPolicy{decision: decision},
		replay: &countingReplay{},
	}
}

// failingChronicle rejects appends of the given event type.
type failingChronicle struct {
	*chronicle.MemoryChronicle
	failOn chronicle.EventType
}

var errChronicleDown = errors.New("chronicle down: postgres://admin:secret@db")

func (c *failingChronicle) Append(ctx context.Context, r chronicle.Record) (chronicle.Record, error) {
	if r.EventType == c.failOn {
		return chronicle.Record{}, errChronicleDown
	}
	return c.MemoryChronicle.Append(ctx, r)
}

type testPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

type testSubscriber struct{}

func (s *testSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

func newTestService(t *testing.T, orch *Orchestrator) *Service {
	t.Helper()
	log := loggingpkg.NewNopLogger()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	require.NoError(t, err)
	conf := (&configpkg.Config{}).WithDefaults()
	return &Service{
		Conf:         &conf,
		Logger:       log,
		orchestrator: orch,
		router:       router,
		publisher:    &testPublisher{},
		subscriber:   &testSubscriber{},
		registerer:   prometheus.NewRegistry(),
		gatherer:     prometheus.NewRegistry(),
	}
}
