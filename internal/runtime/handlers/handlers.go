// Package handlers adapts typed functions to registry handlers. The
// envelope payload is decoded into the handler's own type before the call,
// and a payload that does not decode is reported as a non-retryable
// structured error.
package handlers

import (
	"context"
	"fmt"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/registry"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

// ModuleName is the error module of payload decoding failures.
const ModuleName = "handlers"

// CodePayloadDecode marks a payload that does not fit the handler's type.
const CodePayloadDecode = "PAYLOAD_DECODE_FAILED"

// MessageContextBase gives typed handlers read access to the envelope.
type MessageContextBase struct {
	Envelope *envelope.Envelope
}

// TraceID returns the trace id of the envelope.
func (b MessageContextBase) TraceID() string {
	return b.Envelope.TraceID
}

// MessageID returns the message id of the envelope.
func (b MessageContextBase) MessageID() string {
	return b.Envelope.MessageID
}

// Subject returns the auth subject, or "" when no auth context was sent.
func (b MessageContextBase) Subject() string {
	if b.Envelope.AuthContext == nil {
		return ""
	}
	return b.Envelope.AuthContext.Subject
}

func decodeError(target any, err error) error {
	return rterrors.New(ModuleName, CodePayloadDecode, fmt.Sprintf("payload does not decode into %T: %v", target, err), false)
}

// Echo returns the payload unchanged along with the handler key and reply.
// The CLI registers it for handlers declared in configuration.
func Echo(reply string) registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, env *envelope.Envelope) (any, error) {
		out := map[string]any{
			"handler_key": env.HandlerKey(),
			"schema":      env.PayloadSchema,
			"payload":     env.Payload,
		}
		if reply != "" {
			out["reply"] = reply
		}
		return out, nil
	})
}
