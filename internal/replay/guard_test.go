package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/runtime/clock"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

func testEnvelope(key string) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:           "m-1",
		TraceID:             "t-1",
		SourceModule:        "a",
		TargetModule:        "memory",
		Kind:                envelope.KindCommand,
		PayloadSchema:       "memory.write",
		PayloadVersion:      "v1",
		ModuleVersion:       "memory@1.0.0",
		ReplayProtectionKey: key,
	}
}

func TestGuardRejectStrategy(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore(clock.NewManual(0)), Options{DefaultStrategy: StrategyReject})

	first, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, first.Status)

	require.NoError(t, g.UpdateCachedResult(ctx, "k", 42))

	second, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateRejected, second.Status)
	assert.Nil(t, second.CachedResult)
}

func TestGuardIdempotentStrategy(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore(clock.NewManual(0)), Options{DefaultStrategy: StrategyIdempotent})

	first, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, first.Status)

	// No result cached yet, so a retry still counts as new.
	retry, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, retry.Status)

	require.NoError(t, g.UpdateCachedResult(ctx, "k", 42))

	dup, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateIdempotent, dup.Status)
	assert.Equal(t, 42, dup.CachedResult)
}

func TestGuardModuleOverride(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore(nil), Options{
		DefaultStrategy:  StrategyReject,
		ModuleStrategies: map[string]Strategy{"memory": StrategyIdempotent},
	})
	assert.Equal(t, StrategyIdempotent, g.StrategyFor("memory"))
	assert.Equal(t, StrategyReject, g.StrategyFor("canon"))

	_, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	require.NoError(t, g.UpdateCachedResult(ctx, "k", "done"))

	res, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateIdempotent, res.Status)
	assert.Equal(t, "done", res.CachedResult)
}

func TestGuardDefaults(t *testing.T) {
	g := NewGuard(NewMemoryStore(nil), Options{})
	assert.Equal(t, StrategyReject, g.StrategyFor("anything"))
	assert.Equal(t, DefaultTTL, g.opts.TTL)
}

func TestGuardRequiresKey(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryStore(nil), Options{})

	_, err := g.CheckAndRecord(ctx, testEnvelope(""))
	assert.ErrorIs(t, err, ErrKeyRequired)

	_, err = g.CheckAndRecord(ctx, nil)
	assert.ErrorIs(t, err, rterrors.ErrEnvelopeRequired)

	assert.ErrorIs(t, g.UpdateCachedResult(ctx, "", 1), ErrKeyRequired)
}

type failingStore struct{ err error }

func (f failingStore) Record(context.Context, string, time.Duration) (*Entry, error) {
	return nil, f.err
}

func (f failingStore) SaveResult(context.Context, string, any, time.Duration) error {
	return f.err
}

func TestGuardWrapsStoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("store down")
	g := NewGuard(failingStore{err: boom}, Options{})

	_, err := g.CheckAndRecord(ctx, testEnvelope("k"))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, g.UpdateCachedResult(ctx, "k", 1), boom)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("idempotent")
	require.NoError(t, err)
	assert.Equal(t, StrategyIdempotent, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyReject, s)

	_, err = ParseStrategy("sometimes")
	assert.Error(t, err)
}
