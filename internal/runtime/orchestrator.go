package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/omegawire/internal/chronicle"
	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/policy"
	"github.com/drblury/omegawire/internal/registry"
	"github.com/drblury/omegawire/internal/replay"
	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/config"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
	"github.com/drblury/omegawire/internal/runtime/ids"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// TracerName is the instrumentation scope of dispatch spans.
const TracerName = "github.com/drblury/omegawire"

// Resolver finds the handler for an envelope. *registry.Registry implements it.
type Resolver interface {
	Resolve(env *envelope.Envelope) (registry.Resolution, error)
}

// ReplayGuard detects envelopes that were already seen. *replay.Guard
// implements it.
type ReplayGuard interface {
	CheckAndRecord(ctx context.Context, env *envelope.Envelope) (replay.CheckResult, error)
	UpdateCachedResult(ctx context.Context, key string, value any) error
}

// Dependencies holds the collaborators of an Orchestrator. Registry is
// required; Policy and ReplayGuard skip their phase when nil, everything else
// falls back to a default.
type Dependencies struct {
	Clock       clock.Clock
	Validator   envelope.Validator
	Registry    Resolver
	Policy      policy.Policy
	ReplayGuard ReplayGuard
	Chronicle   chronicle.Chronicle
	Logger      logging.ServiceLogger
	Metrics     *Metrics
	Hooks       DispatchHooks
	// IDs generates chronicle record ids.
	IDs    ids.Factory
	Tracer trace.Tracer
}

// Orchestrator is the single entry point that turns an untrusted input into
// a handler call, recording every step in the chronicle.
type Orchestrator struct {
	clock     clock.Clock
	validator envelope.Validator
	registry  Resolver
	policy    policy.Policy
	replay    ReplayGuard
	writer    *chronicle.Writer
	logger    logging.ServiceLogger
	metrics   *Metrics
	hooks     DispatchHooks
	tracer    trace.Tracer

	timeout           time.Duration
	denyWithoutPolicy bool
	circuits          *circuitSet
	orphans           atomic.Int64
}

// New builds an Orchestrator. A nil conf uses the defaults.
func New(conf *config.Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, rterrors.ErrRegistryRequired
	}
	c := config.Config{}
	if conf != nil {
		c = *conf
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, rterrors.NewConfigValidationError(err)
	}

	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	if deps.Validator == nil {
		deps.Validator = envelope.NewValidator()
	}
	if deps.Chronicle == nil {
		deps.Chronicle = chronicle.NewMemoryChronicle(c.ChronicleMaxRecords)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewSlogServiceLogger(slog.Default())
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(TracerName)
	}

	o := &Orchestrator{
		clock:             deps.Clock,
		validator:         deps.Validator,
		registry:          deps.Registry,
		policy:            deps.Policy,
		replay:            deps.ReplayGuard,
		writer:            chronicle.NewWriter(deps.Chronicle, deps.Clock, deps.IDs),
		logger:            deps.Logger,
		metrics:           deps.Metrics,
		hooks:             deps.Hooks,
		tracer:            deps.Tracer,
		timeout:           c.DefaultTimeout,
		denyWithoutPolicy: c.DenyWithoutPolicy,
		circuits:          newCircuitSet(c.Circuit, deps.Clock, deps.Metrics),
	}

	if o.policy == nil {
		if o.denyWithoutPolicy {
			o.logger.Info("No policy configured, every dispatch will be rejected", nil)
		} else {
			o.logger.Info("No policy configured, every validated envelope is allowed", nil)
		}
	}
	return o, nil
}

// Dispatch validates raw, checks policy and replay, resolves the handler and
// runs it under the handler's circuit breaker and the configured timeout.
// It never panics and always returns a result with trace and message ids set.
func (o *Orchestrator) Dispatch(ctx context.Context, raw any) (res DispatchResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := o.tracer.Start(ctx, "omegawire.Dispatch")

	d := &dispatch{
		o:         o,
		span:      span,
		startedAt: time.Now(),
		start:     o.clock.NowMs(),
		traceID:   "unknown",
		messageID: "unknown",
	}
	d.validEnd = d.start

	defer func() {
		if r := recover(); r != nil {
			res = d.fatal(fmt.Errorf("dispatch panic: %v", r))
		}
		o.finish(ctx, d, res)
		span.End()
	}()

	return d.run(ctx, raw)
}

// Chronicle returns the chronicle the orchestrator writes to.
func (o *Orchestrator) Chronicle() chronicle.Chronicle {
	return o.writer.Chronicle()
}

// CircuitStates returns a snapshot of every known breaker by handler key.
func (o *Orchestrator) CircuitStates() map[string]CircuitSnapshot {
	return o.circuits.snapshot()
}

// ResetCircuit closes the breaker for handlerKey and reports whether it existed.
func (o *Orchestrator) ResetCircuit(handlerKey string) bool {
	return o.circuits.reset(handlerKey)
}

// ResetAllCircuits closes every breaker.
func (o *Orchestrator) ResetAllCircuits() {
	o.circuits.resetAll()
}

// EvictIdleCircuits drops closed breakers that have been idle longer than the
// configured eviction window and returns how many were removed.
func (o *Orchestrator) EvictIdleCircuits() int {
	return o.circuits.evictIdle()
}

// Metrics returns the collectors passed in Dependencies, possibly nil.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

func (o *Orchestrator) finish(ctx context.Context, d *dispatch, res DispatchResult) {
	o.metrics.recordDispatch(res)

	d.span.SetAttributes(
		attribute.String("omega.trace_id", res.TraceID),
		attribute.String("omega.message_id", res.MessageID),
		attribute.String("omega.handler_key", d.handlerKey),
		attribute.String("omega.result_code", res.Code()),
	)
	if res.Result.OK {
		d.span.SetStatus(codes.Ok, "")
	} else {
		d.span.SetStatus(codes.Error, res.Result.Err.Code)
	}

	info := d.info(ctx)
	info.Duration = time.Since(d.startedAt)
	info.Metrics = res.Metrics
	if res.Result.OK {
		o.callHook(func() {
			if o.hooks.OnDispatchDone != nil {
				o.hooks.OnDispatchDone(info)
			}
		})
		return
	}
	o.callHook(func() {
		if o.hooks.OnDispatchError != nil {
			o.hooks.OnDispatchError(info, res.Result.Err)
		}
	})
}

func (o *Orchestrator) callHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Dispatch hook panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	fn()
}
