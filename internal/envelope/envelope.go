// Package envelope defines the OMEGA message envelope and everything needed
// to trust one: strict validation, deterministic replay keys, content hashes
// and the payload schema naming rules.
package envelope

import (
	"strings"
)

// Kind classifies what an envelope asks of its target.
type Kind string

const (
	KindCommand Kind = "command"
	KindQuery   Kind = "query"
	KindEvent   Kind = "event"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindQuery, KindEvent:
		return true
	}
	return false
}

// AuthContext identifies the principal a message is sent on behalf of.
type AuthContext struct {
	Subject string   `json:"subject"`
	Role    string   `json:"role,omitempty"`
	Scope   []string `json:"scope,omitempty"`
}

// Envelope is a validated inbound message. Values returned by the Validator
// are never mutated by the orchestrator.
type Envelope struct {
	MessageID           string       `json:"message_id"`
	TraceID             string       `json:"trace_id"`
	ParentSpanID        string       `json:"parent_span_id,omitempty"`
	Timestamp           int64        `json:"timestamp"`
	SourceModule        string       `json:"source_module"`
	TargetModule        string       `json:"target_module"`
	Kind                Kind         `json:"kind"`
	PayloadSchema       string       `json:"payload_schema"`
	PayloadVersion      string       `json:"payload_version"`
	ModuleVersion       string       `json:"module_version"`
	ReplayProtectionKey string       `json:"replay_protection_key"`
	Payload             any          `json:"payload"`
	AuthContext         *AuthContext `json:"auth_context,omitempty"`
	// ExpectedPreviousHash lets write-type payloads pin the state they were
	// computed against.
	ExpectedPreviousHash string `json:"expected_previous_hash,omitempty"`
	EnvelopeHash         string `json:"envelope_hash,omitempty"`
}

// HandlerKey is the exact registry key for env: target_module@module_version.
func (e *Envelope) HandlerKey() string {
	return HandlerKey(e.TargetModule, e.ModuleVersion)
}

// HandlerKey joins a module and the version string a sender pinned.
func HandlerKey(module, version string) string {
	return module + "@" + version
}

// PayloadSchemaParts is the decoded form of a payload_schema string.
type PayloadSchemaParts struct {
	Module string
	Action string
}

// ParsePayloadSchema splits "module.action". Anything other than exactly two
// non-empty dot-separated parts is rejected.
func ParsePayloadSchema(schema string) (PayloadSchemaParts, bool) {
	module, action, ok := strings.Cut(schema, ".")
	if !ok || module == "" || action == "" || strings.Contains(action, ".") {
		return PayloadSchemaParts{}, false
	}
	return PayloadSchemaParts{Module: module, Action: action}, true
}

// BuildPayloadSchema is the inverse of ParsePayloadSchema.
func BuildPayloadSchema(module, action string) string {
	return module + "." + action
}

// IsSameReplayKey reports whether two envelopes carry the same idempotency key.
func IsSameReplayKey(a, b *Envelope) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ReplayProtectionKey == b.ReplayProtectionKey
}
