package runtime

import (
	"context"
	"time"

	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// DispatchInfo describes one dispatch to hooks.
type DispatchInfo struct {
	// TraceID and MessageID are "unknown" when validation could not read them.
	TraceID   string
	MessageID string
	// HandlerKey is set once resolution has been attempted.
	HandlerKey string
	// Context is the context Dispatch was called with.
	Context context.Context
	// StartedAt is when Dispatch was entered.
	StartedAt time.Time
	// Duration is only set in OnDispatchDone and OnDispatchError.
	Duration time.Duration
	// Metrics are only set in OnDispatchDone and OnDispatchError.
	Metrics DispatchMetrics
}

// DispatchHooks defines callbacks for dispatch lifecycle events.
// All hooks are optional - nil hooks are simply not called. A panicking hook
// is recovered and logged; it never changes the dispatch result.
type DispatchHooks struct {
	// OnDispatchStart is called once an input has passed validation.
	OnDispatchStart func(info DispatchInfo)

	// OnDispatchDone is called when a dispatch returns a success value.
	OnDispatchDone func(info DispatchInfo)

	// OnDispatchError is called for every failed dispatch, including inputs
	// that never became an envelope.
	OnDispatchError func(info DispatchInfo, err *rterrors.Error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: chainInfoHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainInfoHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func chainInfoHooks(a, b func(DispatchInfo)) func(DispatchInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DispatchInfo) {
		a(info)
		b(info)
	}
}

func chainErrorHooks(a, b func(DispatchInfo, *rterrors.Error)) func(DispatchInfo, *rterrors.Error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DispatchInfo, err *rterrors.Error) {
		a(info, err)
		b(info, err)
	}
}

// LoggingHooks returns pre-built hooks that log dispatch lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(info DispatchInfo) {
			logger.Debug("Dispatch started", logging.LogFields{
				"trace_id":   info.TraceID,
				"message_id": info.MessageID,
			})
		},
		OnDispatchDone: func(info DispatchInfo) {
			logger.Info("Dispatch completed", logging.LogFields{
				"trace_id":    info.TraceID,
				"message_id":  info.MessageID,
				"handler_key": info.HandlerKey,
				"duration_ms": info.Metrics.TotalDurationMs,
			})
		},
		OnDispatchError: func(info DispatchInfo, err *rterrors.Error) {
			logger.Error("Dispatch failed", err, logging.LogFields{
				"trace_id":    info.TraceID,
				"message_id":  info.MessageID,
				"handler_key": info.HandlerKey,
				"code":        err.Code,
				"retryable":   err.Retryable,
				"duration_ms": info.Metrics.TotalDurationMs,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward outcomes to counters
// owned by the caller.
func MetricsHooks(onStart func(handlerKey string), onDone func(handlerKey string), onError func(handlerKey, code string)) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(info DispatchInfo) {
			if onStart != nil {
				onStart(info.HandlerKey)
			}
		},
		OnDispatchDone: func(info DispatchInfo) {
			if onDone != nil {
				onDone(info.HandlerKey)
			}
		},
		OnDispatchError: func(info DispatchInfo, err *rterrors.Error) {
			if onError != nil {
				onError(info.HandlerKey, err.Code)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on dispatch
// errors the caller may retry.
func AlertingHooks(alertFunc func(info DispatchInfo, err *rterrors.Error)) DispatchHooks {
	return DispatchHooks{
		OnDispatchError: func(info DispatchInfo, err *rterrors.Error) {
			if err.Retryable {
				alertFunc(info, err)
			}
		},
	}
}
