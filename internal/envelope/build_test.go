package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/ids"
)

func fixedID(id string) ids.Factory {
	return ids.FactoryFunc(func() string { return id })
}

func baseArgs() BuildArgs {
	return BuildArgs{
		Clock:          clock.NewManual(1000),
		IDs:            fixedID("id"),
		TraceID:        "t",
		SourceModule:   "a",
		TargetModule:   "b",
		Kind:           KindCommand,
		PayloadSchema:  "b.x",
		PayloadVersion: "v1",
		ModuleVersion:  "b@1",
	}
}

func TestBuildUsesInjectedClockAndIDs(t *testing.T) {
	args := baseArgs()
	args.Clock = clock.NewManual(1704499200000)
	args.IDs = fixedID("unique-id-123")
	args.ParentSpanID = "span-123"
	args.AuthContext = &AuthContext{Subject: "user-1", Role: "admin", Scope: []string{"read", "write"}}
	args.ExpectedPreviousHash = "hash-abc"

	env, err := Build(args)
	require.NoError(t, err)
	assert.Equal(t, "unique-id-123", env.MessageID)
	assert.Equal(t, int64(1704499200000), env.Timestamp)
	assert.Equal(t, "span-123", env.ParentSpanID)
	assert.Equal(t, "admin", env.AuthContext.Role)
	assert.Equal(t, "hash-abc", env.ExpectedPreviousHash)
	assert.NotEmpty(t, env.ReplayProtectionKey)
}

func TestBuildSequentialIDs(t *testing.T) {
	seq := ids.NewSequence("msg")
	args := baseArgs()
	args.IDs = seq

	first, err := Build(args)
	require.NoError(t, err)
	second, err := Build(args)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", first.MessageID)
	assert.Equal(t, "msg-2", second.MessageID)
	assert.Equal(t, first.ReplayProtectionKey, second.ReplayProtectionKey)
}

func TestReplayKeyIgnoresIdentityTimestampAndKeyOrder(t *testing.T) {
	a := baseArgs()
	a.IDs = fixedID("id-1")
	a.Payload = map[string]any{"key": "k", "value": map[string]any{"b": 2, "a": 1}}
	a.ExpectedPreviousHash = "prev123"

	b := baseArgs()
	b.Clock = clock.NewManual(9999)
	b.IDs = fixedID("id-2")
	b.Payload = map[string]any{"value": map[string]any{"a": 1, "b": 2}, "key": "k"}
	b.ExpectedPreviousHash = "prev123"

	envA, err := Build(a)
	require.NoError(t, err)
	envB, err := Build(b)
	require.NoError(t, err)
	assert.Equal(t, envA.ReplayProtectionKey, envB.ReplayProtectionKey)
}

func TestReplayKeyChangesWithPayload(t *testing.T) {
	a := baseArgs()
	a.Payload = map[string]any{"x": 1}
	b := baseArgs()
	b.Payload = map[string]any{"x": 2}

	envA, err := Build(a)
	require.NoError(t, err)
	envB, err := Build(b)
	require.NoError(t, err)
	assert.NotEqual(t, envA.ReplayProtectionKey, envB.ReplayProtectionKey)
}

func TestReplayKeyIsStableAcrossRuns(t *testing.T) {
	args := baseArgs()
	args.Payload = map[string]any{"complex": map[string]any{"nested": []any{1, 2, 3}}}

	first, err := Build(args)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		env, err := Build(args)
		require.NoError(t, err)
		require.Equal(t, first.ReplayProtectionKey, env.ReplayProtectionKey)
	}
}

func TestVerifyReplayKeyDetectsTampering(t *testing.T) {
	args := baseArgs()
	args.Payload = map[string]any{"test": true}
	env, err := Build(args)
	require.NoError(t, err)
	assert.True(t, VerifyReplayKey(env))

	env.Payload.(map[string]any)["test"] = false
	assert.False(t, VerifyReplayKey(env))
}

func TestSealAndVerifyEnvelopeHash(t *testing.T) {
	env, err := Build(baseArgs())
	require.NoError(t, err)
	require.NoError(t, Seal(env))
	assert.Contains(t, env.EnvelopeHash, "sha256:")

	ok, err := VerifyEnvelopeHash(env)
	require.NoError(t, err)
	assert.True(t, ok)

	env.SourceModule = "mallory"
	ok, err = VerifyEnvelopeHash(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuiltEnvelopeValidates(t *testing.T) {
	args := baseArgs()
	args.Payload = map[string]any{"q": "x"}
	env, err := Build(args)
	require.NoError(t, err)

	validated, err := NewValidator().Validate(env)
	require.NoError(t, err)
	assert.Equal(t, env.ReplayProtectionKey, validated.ReplayProtectionKey)
}
