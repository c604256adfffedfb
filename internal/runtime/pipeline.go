package runtime

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/policy"
	"github.com/drblury/omegawire/internal/replay"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// dispatch carries the state of one Dispatch call through the phases.
type dispatch struct {
	o    *Orchestrator
	span trace.Span

	startedAt time.Time
	start     int64
	validEnd  int64

	traceID    string
	messageID  string
	handlerKey string

	// breaker is set while an admission ticket is outstanding.
	breaker *circuitBreaker
	ticket  ticket
}

func (d *dispatch) run(ctx context.Context, raw any) DispatchResult {
	o := d.o

	env, err := o.validator.Validate(raw)
	d.validEnd = o.clock.NowMs()
	if err != nil {
		return d.rejectInvalid(ctx, raw, err)
	}
	d.traceID, d.messageID = env.TraceID, env.MessageID
	d.phase("validated")
	o.callHook(func() {
		if o.hooks.OnDispatchStart != nil {
			o.hooks.OnDispatchStart(d.info(ctx))
		}
	})

	receivedID, err := o.writer.DispatchReceived(ctx, env)
	if err != nil {
		return d.fatal(err)
	}
	envelopeHash := env.EnvelopeHash
	if envelopeHash == "" {
		envelopeHash = "N/A"
	}
	validationID, err := o.writer.ValidationOK(ctx, env, receivedID, envelopeHash)
	if err != nil {
		return d.fatal(err)
	}

	if res, done, err := d.checkPolicy(ctx, env, validationID); err != nil {
		return d.fatal(err)
	} else if done {
		return res
	}

	if res, done, err := d.checkReplay(ctx, env, validationID); err != nil {
		return d.fatal(err)
	} else if done {
		return res
	}

	d.handlerKey = env.HandlerKey()
	resolution, err := o.registry.Resolve(env)
	if err != nil {
		if _, werr := o.writer.HandlerNotFound(ctx, env, validationID, d.handlerKey); werr != nil {
			return d.fatal(werr)
		}
		d.phase("handler_not_found")
		return d.reject(orchError(CodeNoHandler, err.Error(), false))
	}
	resolvedID, err := o.writer.HandlerResolved(ctx, env, validationID, d.handlerKey)
	if err != nil {
		return d.fatal(err)
	}
	d.phase("handler_resolved")

	breaker := o.circuits.get(d.handlerKey)
	admitted, ok := breaker.CanExecute()
	if !ok {
		d.phase("circuit_open")
		return d.reject(orchError(CodeCircuitOpen, "Circuit open for "+d.handlerKey, true))
	}
	d.breaker, d.ticket = breaker, admitted

	execStartID, err := o.writer.ExecutionStart(ctx, env, resolvedID, d.handlerKey)
	if err != nil {
		return d.fatal(err)
	}
	execStart := o.clock.NowMs()
	d.phase("execution_start")

	out := o.execute(ctx, resolution.Handler, env, d.handlerKey)
	execEnd := o.clock.NowMs()
	d.breaker = nil

	if out.err == nil && !out.timedOut {
		breaker.RecordSuccess(admitted)
		if _, err := o.writer.ExecutionOK(ctx, env, execStartID, execEnd-execStart); err != nil {
			return d.fatalAt(err, execEnd)
		}
		if o.replay != nil {
			if err := o.replay.UpdateCachedResult(ctx, env.ReplayProtectionKey, out.value); err != nil {
				o.logger.Error("Failed to cache handler result for replay", err, d.fields())
			}
		}
		if _, err := o.writer.DispatchComplete(ctx, env, execStartID, true, execEnd-d.start); err != nil {
			return d.fatalAt(err, execEnd)
		}
		d.phase("execution_ok")
		return d.result(Ok(out.value), execEnd)
	}

	breaker.RecordFailure(admitted)
	failure := d.executionFailure(out)
	if _, err := o.writer.ExecutionError(ctx, env, execStartID, failure.Code, execEnd-execStart, failure.Retryable); err != nil {
		return d.fatalAt(err, execEnd)
	}
	if _, err := o.writer.DispatchComplete(ctx, env, execStartID, false, execEnd-d.start); err != nil {
		return d.fatalAt(err, execEnd)
	}
	d.phase("execution_error")
	return d.result(Err(failure), execEnd)
}

func (d *dispatch) rejectInvalid(ctx context.Context, raw any, err error) DispatchResult {
	o := d.o
	d.traceID, d.messageID = envelope.ExtractCorrelation(raw)

	code, message := envelope.CodeSchemaFailure, err.Error()
	var verr *envelope.ValidationError
	if errors.As(err, &verr) {
		code, message = verr.Code, verr.Message
	}
	if _, werr := o.writer.ValidationFailed(ctx, d.traceID, d.messageID, "", code, message); werr != nil {
		return d.fatalAt(werr, d.validEnd)
	}
	d.phase("validation_failed")
	return d.result(Err(orchError(CodeValidationFailed, message, false)), d.validEnd)
}

// checkPolicy returns done=true when the dispatch ends in this phase.
func (d *dispatch) checkPolicy(ctx context.Context, env *envelope.Envelope, parentID string) (DispatchResult, bool, error) {
	o := d.o
	var decision policy.Decision
	switch {
	case o.policy != nil:
		decision = o.policy.Check(ctx, env)
	case o.denyWithoutPolicy:
		decision = policy.Denied(policy.CodeNotConfigured, "no policy is configured")
	default:
		return DispatchResult{}, false, nil
	}

	if !decision.Allow {
		if _, err := o.writer.PolicyRejected(ctx, env, parentID, decision.Code, decision.Reason); err != nil {
			return DispatchResult{}, true, err
		}
		d.phase("policy_rejected")
		return d.reject(orchError(CodePolicyRejected, decision.Reason, false)), true, nil
	}
	if _, err := o.writer.PolicyOK(ctx, env, parentID); err != nil {
		return DispatchResult{}, true, err
	}
	d.phase("policy_ok")
	return DispatchResult{}, false, nil
}

// checkReplay returns done=true when the dispatch ends in this phase.
func (d *dispatch) checkReplay(ctx context.Context, env *envelope.Envelope, parentID string) (DispatchResult, bool, error) {
	o := d.o
	if o.replay == nil {
		return DispatchResult{}, false, nil
	}

	check, err := o.replay.CheckAndRecord(ctx, env)
	if err != nil {
		o.logger.Error("Replay check failed", err, d.fields())
		if _, werr := o.writer.ReplayRejected(ctx, env, parentID); werr != nil {
			return DispatchResult{}, true, werr
		}
		d.phase("replay_rejected")
		return d.reject(orchError(CodeReplayRejected, "Replay check failed", false)), true, nil
	}

	switch check.Status {
	case replay.StatusDuplicateIdempotent:
		if _, err := o.writer.ReplayOK(ctx, env, parentID); err != nil {
			return DispatchResult{}, true, err
		}
		d.phase("replay_cached")
		return d.result(Ok(check.CachedResult), o.clock.NowMs()), true, nil
	case replay.StatusDuplicateRejected:
		if _, err := o.writer.ReplayRejected(ctx, env, parentID); err != nil {
			return DispatchResult{}, true, err
		}
		d.phase("replay_rejected")
		return d.reject(orchError(CodeReplayRejected, "Duplicate message", false)), true, nil
	}

	if _, err := o.writer.ReplayOK(ctx, env, parentID); err != nil {
		return DispatchResult{}, true, err
	}
	d.phase("replay_ok")
	return DispatchResult{}, false, nil
}

// executionFailure maps a failed handler call onto the error returned to the
// caller. Structured handler errors pass through; everything else is
// replaced with a generic message and logged in full.
func (d *dispatch) executionFailure(out execOutcome) *rterrors.Error {
	fields := d.fields()
	if out.timedOut {
		d.o.logger.Debug("Handler timed out", fields)
		return orchError(CodeExecutionFailed, TimeoutMessage, true)
	}
	if !out.panicked {
		if structured, ok := rterrors.AsStructured(out.err); ok {
			return structured
		}
	}
	fields["panicked"] = out.panicked
	d.o.logger.Error("Handler failed", out.err, fields)
	return rterrors.Safe(ModuleName, CodeExecutionFailed, true)
}

// reject ends the dispatch after validation with an error and the clock
// reading at return.
func (d *dispatch) reject(err *rterrors.Error) DispatchResult {
	return d.result(Err(err), d.o.clock.NowMs())
}

func (d *dispatch) fatal(cause error) DispatchResult {
	return d.fatalAt(cause, d.o.clock.NowMs())
}

// fatalAt recovers from a failure of the pipeline itself, such as a
// chronicle that cannot be written.
func (d *dispatch) fatalAt(cause error, execEnd int64) DispatchResult {
	if d.breaker != nil {
		d.breaker.Abort(d.ticket)
		d.breaker = nil
	}
	d.o.logger.Error("Dispatch failed unexpectedly", cause, d.fields())
	d.span.RecordError(cause)
	return d.result(Err(rterrors.Safe(ModuleName, CodeExecutionFailed, true)), execEnd)
}

func (d *dispatch) result(r Result, execEnd int64) DispatchResult {
	return DispatchResult{
		Result: r,
		Metrics: DispatchMetrics{
			TotalDurationMs:      execEnd - d.start,
			ValidationDurationMs: d.validEnd - d.start,
			ExecutionDurationMs:  execEnd - d.validEnd,
		},
		TraceID:   d.traceID,
		MessageID: d.messageID,
	}
}

func (d *dispatch) phase(name string) {
	d.span.AddEvent(name, trace.WithAttributes(attribute.String("omega.handler_key", d.handlerKey)))
}

func (d *dispatch) fields() logging.LogFields {
	return logging.LogFields{
		"trace_id":    d.traceID,
		"message_id":  d.messageID,
		"handler_key": d.handlerKey,
	}
}

func (d *dispatch) info(ctx context.Context) DispatchInfo {
	return DispatchInfo{
		TraceID:    d.traceID,
		MessageID:  d.messageID,
		HandlerKey: d.handlerKey,
		Context:    ctx,
		StartedAt:  d.startedAt,
	}
}
