/*
Package runtime turns untrusted inputs into handler calls.

# Architecture Overview

The Orchestrator is the single entry point. Dispatch runs every input
through a fixed pipeline and records each milestone in the chronicle:

	validate -> policy -> replay -> resolve -> circuit breaker -> execute

Dispatch never panics and never returns a Go error. Every outcome, including
a failure of the pipeline itself, comes back as a DispatchResult carrying
the trace and message ids, a result code and timing metrics.

# Package Structure

## Orchestrator (orchestrator.go, pipeline.go, execute.go)

Dependencies wire the validator, handler registry, policy, replay guard and
chronicle. Handlers run in their own goroutine under the configured timeout;
one that overruns is abandoned and counted as orphaned until it returns.

## Circuit breakers (circuit.go, circuits.go)

One breaker per handler key with closed, open and half-open states, a
bounded number of half-open probes and eviction of idle breakers.

## Service (service.go, consumer.go, middleware.go, publisher.go)

The Service consumes envelopes from a watermill transport, dispatches them
and publishes one DispatchResult per message. JSON, protobuf Struct and
structured CloudEvents payloads are accepted.

## Admin API (admin.go)

HTTP endpoints for breaker state, the chronicle and Prometheus metrics.

# Sub-packages

  - clock/: millisecond clocks, system and manual
  - cloudevents/: structured-mode CloudEvents encoding
  - config/: configuration, defaults, validation and viper loading
  - errors/: sentinel errors and the structured dispatch error
  - handlers/: typed JSON and protobuf handler adapters
  - ids/: ULID generation
  - jsoncodec/: sonic JSON codec and canonical hashing
  - logging/: logger interface and adapters
  - transport/: pub/sub transports (channel, Kafka, NATS, RabbitMQ, HTTP, AWS)

# Usage Example

	reg := registry.New()
	reg.MustRegister("memory", "memory@1.0.0", handlers.Echo(""), registry.Capabilities{})

	orch, err := runtime.New(cfg, runtime.Dependencies{Registry: reg})
	if err != nil {
		return err
	}
	res := orch.Dispatch(ctx, rawEnvelope)
*/
package runtime
