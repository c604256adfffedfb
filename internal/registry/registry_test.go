package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/envelope"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

func okHandler(value any) Handler {
	return HandlerFunc(func(context.Context, *envelope.Envelope) (any, error) { return value, nil })
}

func memoryEnvelope(version string) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:     "msg-001",
		TraceID:       "trace-001",
		TargetModule:  "memory",
		Kind:          envelope.KindCommand,
		PayloadSchema: "memory.write",
		ModuleVersion: version,
	}
}

func TestResolveExactVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("memory", "memory@3.21.0", okHandler("v3"), Capabilities{
		Schemas: []string{"memory.write", "memory.readLatest"},
		Kinds:   []envelope.Kind{envelope.KindCommand, envelope.KindQuery},
	}))

	res, err := r.Resolve(memoryEnvelope("memory@3.21.0"))
	require.NoError(t, err)
	assert.Equal(t, "memory@memory@3.21.0", res.HandlerKey)

	out, err := res.Handler.Handle(context.Background(), memoryEnvelope("memory@3.21.0"))
	require.NoError(t, err)
	assert.Equal(t, "v3", out)
}

func TestResolveNeverFallsBackToNearbyVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("memory", "memory@3.21.0", okHandler(nil), Capabilities{}))

	for _, v := range []string{"memory@9.99.0", "memory@3.21.1", "memory@3.21", "memory@^3.21.0"} {
		_, err := r.Resolve(memoryEnvelope(v))
		assert.ErrorIs(t, err, ErrHandlerNotFound, v)
	}
}

func TestResolveChecksCapabilities(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("memory", "memory@1.0.0", okHandler(nil), Capabilities{
		Schemas: []string{"memory.write"},
		Kinds:   []envelope.Kind{envelope.KindCommand},
	}))

	env := memoryEnvelope("memory@1.0.0")
	env.PayloadSchema = "memory.delete"
	_, err := r.Resolve(env)
	assert.ErrorIs(t, err, ErrUnsupportedSchema)

	env = memoryEnvelope("memory@1.0.0")
	env.Kind = envelope.KindEvent
	_, err = r.Resolve(env)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestResolveNilEnvelope(t *testing.T) {
	_, err := New().Resolve(nil)
	assert.ErrorIs(t, err, rterrors.ErrEnvelopeRequired)
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register("memory", "memory@1.0.0", nil, Capabilities{}), rterrors.ErrHandlerRequired)
	assert.Error(t, r.Register(" ", "memory@1.0.0", okHandler(nil), Capabilities{}))
	assert.ErrorIs(t, r.Register("memory", "memory@latest", okHandler(nil), Capabilities{}), ErrInvalidVersion)
	assert.ErrorIs(t, r.Register("memory", "@1.0.0", okHandler(nil), Capabilities{}), ErrInvalidVersion)
	assert.ErrorIs(t, r.Register("memory", "a@b@1.0.0", okHandler(nil), Capabilities{}), ErrInvalidVersion)
	assert.ErrorIs(t, r.Register("memory", "1.0.0", okHandler(nil), Capabilities{}), ErrInvalidVersion, "bare semver can never match an envelope")

	require.NoError(t, r.Register("memory", "memory@1.0.0", okHandler(nil), Capabilities{}))
	assert.ErrorIs(t, r.Register("memory", "memory@1.0.0", okHandler(nil), Capabilities{}), ErrDuplicateHandler)
	assert.Equal(t, 1, r.Len())
}

func TestEveryRegisteredVersionIsResolvable(t *testing.T) {
	r := New()
	for _, version := range []string{"memory@1.0.0", "memory@2.3.4-rc.1", "memory@0.1.0+build.7"} {
		require.NoError(t, r.Register("memory", version, okHandler(version), Capabilities{}))
		res, err := r.Resolve(memoryEnvelope(version))
		require.NoError(t, err, version)
		assert.Equal(t, "memory@"+version, res.HandlerKey)
	}
}

func TestMustRegisterPanics(t *testing.T) {
	r := New()
	r.MustRegister("memory", "memory@1.0.0", okHandler(nil), Capabilities{})
	assert.Panics(t, func() { r.MustRegister("memory", "memory@1.0.0", okHandler(nil), Capabilities{}) })
}

func TestUnregisterKeysDescribe(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("truth", "truth@2.0.0", okHandler(nil), Capabilities{Kinds: []envelope.Kind{envelope.KindQuery}}))
	require.NoError(t, r.Register("memory", "memory@1.0.0", okHandler(nil), Capabilities{Schemas: []string{"memory.write"}}))

	assert.Equal(t, []string{"memory@memory@1.0.0", "truth@truth@2.0.0"}, r.Keys())

	infos := r.Describe()
	require.Len(t, infos, 2)
	assert.Equal(t, "memory", infos[0].Module)
	assert.Equal(t, []string{"memory.write"}, infos[0].Schemas)
	assert.Equal(t, []string{"query"}, infos[1].Kinds)

	assert.True(t, r.Unregister("memory", "memory@1.0.0"))
	assert.False(t, r.Unregister("memory", "memory@1.0.0"))
	assert.Equal(t, []string{"truth@truth@2.0.0"}, r.Keys())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("memory", "memory@1.0.0", okHandler(nil), Capabilities{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Resolve(memoryEnvelope("memory@1.0.0"))
		}()
		go func() {
			defer wg.Done()
			_ = r.Keys()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}
