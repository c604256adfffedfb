package chronicle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/ids"
)

func writerEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:           "msg-001",
		TraceID:             "trace-001",
		TargetModule:        "memory",
		PayloadSchema:       "memory.write",
		ModuleVersion:       "memory@3.21.0",
		ReplayProtectionKey: "rpk-1",
	}
}

func TestWriterBuildsCausalTrail(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryChronicle(100)
	w := NewWriter(mem, clock.NewManual(1704499200000), ids.NewSequence("rec"))
	env := writerEnvelope()

	received, err := w.DispatchReceived(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", received)

	validated, err := w.ValidationOK(ctx, env, received, "N/A")
	require.NoError(t, err)
	policy, err := w.PolicyOK(ctx, env, validated)
	require.NoError(t, err)
	replayed, err := w.ReplayOK(ctx, env, validated)
	require.NoError(t, err)
	resolved, err := w.HandlerResolved(ctx, env, validated, "memory@memory@3.21.0")
	require.NoError(t, err)
	started, err := w.ExecutionStart(ctx, env, resolved, "memory@memory@3.21.0")
	require.NoError(t, err)
	_, err = w.ExecutionOK(ctx, env, started, 3)
	require.NoError(t, err)
	_, err = w.DispatchComplete(ctx, env, started, true, 4)
	require.NoError(t, err)

	trail, err := mem.ForTrace(ctx, "trace-001")
	require.NoError(t, err)
	require.Len(t, trail, 8)

	assert.Equal(t, EventDispatchReceived, trail[0].EventType)
	assert.Empty(t, trail[0].ParentID)
	assert.Equal(t, "memory@3.21.0", trail[0].Data["module_version"])
	assert.Equal(t, received, trail[1].ParentID)
	assert.Equal(t, validated, trail[2].ParentID)
	assert.Equal(t, policy, trail[2].RecordID)
	assert.Equal(t, replayed, trail[3].RecordID)
	assert.Equal(t, "rpk-1", trail[3].Data["replay_key"])
	assert.Equal(t, started, trail[6].ParentID)
	assert.Equal(t, int64(3), trail[6].Data["duration_ms"])
	assert.Equal(t, EventDispatchComplete, trail[7].EventType)
	assert.Equal(t, true, trail[7].Data["success"])
	assert.Equal(t, int64(1704499200000), trail[7].Timestamp)

	require.NoError(t, mem.Verify(ctx))
}

func TestWriterFailureRecords(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryChronicle(100)
	w := NewWriter(mem, clock.NewManual(0), ids.NewSequence("rec"))
	env := writerEnvelope()

	_, err := w.ValidationFailed(ctx, "unknown", "unknown", "", "ENV_MISSING_FIELD", "message_id is required")
	require.NoError(t, err)
	_, err = w.PolicyRejected(ctx, env, "rec-x", "DENY_X", "blocked")
	require.NoError(t, err)
	_, err = w.ReplayRejected(ctx, env, "rec-x")
	require.NoError(t, err)
	_, err = w.HandlerNotFound(ctx, env, "rec-x", "memory@memory@9.99.0")
	require.NoError(t, err)
	_, err = w.ExecutionError(ctx, env, "rec-y", "EXECUTION_FAILED", 30000, true)
	require.NoError(t, err)

	snap, _ := mem.Snapshot(ctx)
	require.Len(t, snap, 5)
	assert.Equal(t, "unknown", snap[0].TraceID)
	assert.Equal(t, "ENV_MISSING_FIELD", snap[0].Data["error_code"])
	assert.Equal(t, "blocked", snap[1].Data["reason"])
	assert.Equal(t, "memory@memory@9.99.0", snap[3].Data["lookup_key"])
	assert.Equal(t, true, snap[4].Data["retryable"])
}

type brokenChronicle struct{ Chronicle }

func (brokenChronicle) Append(context.Context, Record) (Record, error) {
	return Record{}, errors.New("disk full")
}

func TestWriterPropagatesAppendErrors(t *testing.T) {
	w := NewWriter(brokenChronicle{}, nil, nil)
	_, err := w.DispatchReceived(context.Background(), writerEnvelope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_RECEIVED")
}

func TestWriterDefaultIDs(t *testing.T) {
	w := NewWriter(NewMemoryChronicle(1), nil, nil)
	id, err := w.DispatchReceived(context.Background(), writerEnvelope())
	require.NoError(t, err)
	assert.Regexp(t, `^rec-[0-9A-Z]{26}$`, id)
}
