package envelope

import (
	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/ids"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// BuildArgs carries the logical content of a new envelope. MessageID and
// Timestamp come from IDs and Clock.
type BuildArgs struct {
	Clock clock.Clock
	IDs   ids.Factory

	TraceID              string
	ParentSpanID         string
	SourceModule         string
	TargetModule         string
	Kind                 Kind
	PayloadSchema        string
	PayloadVersion       string
	ModuleVersion        string
	Payload              any
	AuthContext          *AuthContext
	ExpectedPreviousHash string
}

// Build assembles an envelope and derives its replay_protection_key from the
// logical content, so two builds of the same request share a key regardless
// of message id, timestamp or map key order.
func Build(args BuildArgs) (*Envelope, error) {
	c := args.Clock
	if c == nil {
		c = clock.System
	}
	f := args.IDs
	if f == nil {
		f = ids.ULID
	}
	env := &Envelope{
		MessageID:            f.NewID(),
		TraceID:              args.TraceID,
		ParentSpanID:         args.ParentSpanID,
		Timestamp:            c.NowMs(),
		SourceModule:         args.SourceModule,
		TargetModule:         args.TargetModule,
		Kind:                 args.Kind,
		PayloadSchema:        args.PayloadSchema,
		PayloadVersion:       args.PayloadVersion,
		ModuleVersion:        args.ModuleVersion,
		Payload:              args.Payload,
		AuthContext:          args.AuthContext,
		ExpectedPreviousHash: args.ExpectedPreviousHash,
	}
	key, err := ComputeReplayKey(env)
	if err != nil {
		return nil, err
	}
	env.ReplayProtectionKey = key
	return env, nil
}

type replayContent struct {
	TraceID              string `json:"trace_id"`
	SourceModule         string `json:"source_module"`
	TargetModule         string `json:"target_module"`
	Kind                 Kind   `json:"kind"`
	PayloadSchema        string `json:"payload_schema"`
	PayloadVersion       string `json:"payload_version"`
	ModuleVersion        string `json:"module_version"`
	Payload              any    `json:"payload"`
	ExpectedPreviousHash string `json:"expected_previous_hash,omitempty"`
}

// ComputeReplayKey hashes the fields that define what an envelope asks for.
func ComputeReplayKey(env *Envelope) (string, error) {
	return jsoncodec.Digest(replayContent{
		TraceID:              env.TraceID,
		SourceModule:         env.SourceModule,
		TargetModule:         env.TargetModule,
		Kind:                 env.Kind,
		PayloadSchema:        env.PayloadSchema,
		PayloadVersion:       env.PayloadVersion,
		ModuleVersion:        env.ModuleVersion,
		Payload:              env.Payload,
		ExpectedPreviousHash: env.ExpectedPreviousHash,
	})
}

// VerifyReplayKey recomputes the key and compares. A false result means the
// logical content changed after the key was derived.
func VerifyReplayKey(env *Envelope) bool {
	key, err := ComputeReplayKey(env)
	return err == nil && key == env.ReplayProtectionKey
}

// ComputeEnvelopeHash hashes the whole envelope minus its envelope_hash.
func ComputeEnvelopeHash(env *Envelope) (string, error) {
	clone := *env
	clone.EnvelopeHash = ""
	digest, err := jsoncodec.Digest(clone)
	if err != nil {
		return "", err
	}
	return "sha256:" + digest, nil
}

// Seal sets envelope_hash from the current content.
func Seal(env *Envelope) error {
	hash, err := ComputeEnvelopeHash(env)
	if err != nil {
		return err
	}
	env.EnvelopeHash = hash
	return nil
}

// VerifyEnvelopeHash reports whether envelope_hash matches the content.
func VerifyEnvelopeHash(env *Envelope) (bool, error) {
	hash, err := ComputeEnvelopeHash(env)
	if err != nil {
		return false, err
	}
	return hash == env.EnvelopeHash, nil
}
