package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/registry"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// execOutcome is what a timed handler call produced.
type execOutcome struct {
	value    any
	err      error
	panicked bool
	timedOut bool
}

// execute runs handler in its own goroutine and waits for it or for the
// deadline, whichever comes first. The handler context is detached from the
// caller so a cancelled request cannot cut a handler short of its deadline.
// A handler that loses the race keeps running; it is counted as orphaned
// until it returns.
func (o *Orchestrator) execute(ctx context.Context, handler registry.Handler, env *envelope.Envelope, handlerKey string) execOutcome {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	done := make(chan execOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{
					err:      fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()),
					panicked: true,
				}
			}
		}()
		value, err := handler.Handle(execCtx, env)
		done <- execOutcome{value: value, err: err}
	}()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			out.timedOut = true
		}
		cancel()
		return out
	case <-timer.C:
		o.abandon(done, cancel, env, handlerKey)
		return execOutcome{timedOut: true}
	}
}

func (o *Orchestrator) abandon(done <-chan execOutcome, cancel context.CancelFunc, env *envelope.Envelope, handlerKey string) {
	fields := logging.LogFields{
		"trace_id":    env.TraceID,
		"message_id":  env.MessageID,
		"handler_key": handlerKey,
		"timeout":     o.timeout.String(),
	}
	o.metrics.orphanStarted()
	o.orphans.Add(1)
	o.logger.Info("Handler exceeded its deadline and was abandoned", fields)

	go func() {
		out := <-done
		cancel()
		o.orphans.Add(-1)
		o.metrics.orphanFinished()
		if out.err != nil {
			o.logger.Error("Abandoned handler returned", out.err, fields)
			return
		}
		o.logger.Info("Abandoned handler returned", fields)
	}()
}

// Orphans is the number of abandoned handler executions still running.
func (o *Orchestrator) Orphans() int64 {
	return o.orphans.Load()
}
