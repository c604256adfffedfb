// Package omegawire routes untrusted messages to versioned module handlers.
//
// An Orchestrator is the single entry point. Dispatch takes whatever arrived
// on the wire (a decoded JSON object, raw JSON bytes or an Envelope) and runs
// it through a fixed pipeline: strict envelope validation, policy, replay
// protection, exact handler resolution by target_module@module_version, a
// per-handler circuit breaker and a bounded execution. Every milestone is
// appended to a hash-linked Chronicle, and Dispatch always returns a
// DispatchResult instead of an error or a panic.
//
// A minimal setup fills a Registry and builds an Orchestrator:
//
//	reg := omegawire.NewRegistry()
//	reg.MustRegister("memory", "memory@3.21.0", omegawire.HandlerFunc(write), omegawire.Capabilities{})
//
//	orch, err := omegawire.New(nil, omegawire.Dependencies{Registry: reg})
//	if err != nil {
//		return err
//	}
//	res := orch.Dispatch(ctx, raw)
//
// # Collaborators
//
// Dependencies accepts a policy (AllowAll, ModuleWhitelist or a rule based
// PolicyEngine with CEL expressions), a replay guard backed by memory or Redis,
// and a chronicle kept in memory or in SQLite/PostgreSQL. Optional
// collaborators that are left nil skip their phase.
//
// # Service
//
// Service hosts the orchestrator behind a Watermill router. It consumes
// envelopes from Config.ConsumeTopic on any of the built-in transports
// (channel, Kafka, RabbitMQ, NATS, NATS JetStream, HTTP, AWS SNS/SQS) and
// publishes one DispatchResult per message to Config.ResultTopic, either as
// JSON or as a CloudEvent when the input was one. NewAdminHandler exposes
// breaker state, the chronicle and Prometheus metrics over HTTP.
package omegawire
