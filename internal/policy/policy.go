// Package policy decides whether a validated envelope may be dispatched.
package policy

import (
	"context"
	"slices"

	"github.com/drblury/omegawire/internal/envelope"
)

const (
	CodeAllowed         = "POLICY_ALLOWED"
	CodeBlockedSource   = "POLICY_BLOCKED_SOURCE"
	CodeBlockedTarget   = "POLICY_BLOCKED_TARGET"
	CodeBlockedKind     = "POLICY_BLOCKED_KIND"
	CodeBlockedSchema   = "POLICY_BLOCKED_SCHEMA"
	CodePayloadTooLarge = "POLICY_PAYLOAD_TOO_LARGE"
	CodeRateLimited     = "POLICY_RATE_LIMITED"
	CodeCustomRule      = "POLICY_CUSTOM_RULE"
	CodeExpressionError = "POLICY_EXPRESSION_ERROR"
	CodeDenyAll         = "POLICY_DENY_ALL"
	CodeNotConfigured   = "POLICY_NOT_CONFIGURED"
)

// Decision is the outcome of a policy check. Code and Reason are meaningful
// for denials; allowed decisions carry CodeAllowed.
type Decision struct {
	Allow  bool   `json:"allow"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Allowed is the allow decision.
func Allowed() Decision {
	return Decision{Allow: true, Code: CodeAllowed}
}

// Denied builds a deny decision.
func Denied(code, reason string) Decision {
	return Decision{Allow: false, Code: code, Reason: reason}
}

// Policy is what the orchestrator consults after validation.
type Policy interface {
	Check(ctx context.Context, env *envelope.Envelope) Decision
}

// Func adapts a plain function to Policy.
type Func func(ctx context.Context, env *envelope.Envelope) Decision

func (f Func) Check(ctx context.Context, env *envelope.Envelope) Decision { return f(ctx, env) }

// AllowAll admits every envelope.
var AllowAll Policy = Func(func(context.Context, *envelope.Envelope) Decision {
	return Allowed()
})

// DenyAll rejects every envelope with the given reason.
func DenyAll(reason string) Policy {
	return Func(func(context.Context, *envelope.Envelope) Decision {
		return Denied(CodeDenyAll, reason)
	})
}

// ModuleWhitelist only admits envelopes addressed to one of modules.
func ModuleWhitelist(modules ...string) Policy {
	allowed := slices.Clone(modules)
	return Func(func(_ context.Context, env *envelope.Envelope) Decision {
		if slices.Contains(allowed, env.TargetModule) {
			return Allowed()
		}
		return Denied(CodeBlockedTarget, "target module "+env.TargetModule+" is not whitelisted")
	})
}
