// Package replay deduplicates envelopes by their replay protection key and
// remembers successful results so duplicates can be answered without
// running the handler again.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/omegawire/internal/envelope"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

// Status is the outcome of a replay check.
type Status string

const (
	StatusNew                 Status = "new"
	StatusDuplicateIdempotent Status = "duplicate_idempotent"
	StatusDuplicateRejected   Status = "duplicate_rejected"
)

// CheckResult carries the status and, for idempotent duplicates, the result
// cached by the first successful dispatch.
type CheckResult struct {
	Status       Status
	CachedResult any
}

// Strategy decides what a seen key means.
type Strategy string

const (
	// StrategyReject refuses every envelope whose key was seen before.
	StrategyReject Strategy = "reject"
	// StrategyIdempotent answers duplicates with the cached result. A seen
	// key without a cached result is treated as new so a failed first
	// attempt can be retried.
	StrategyIdempotent Strategy = "idempotent"
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyReject, StrategyIdempotent:
		return Strategy(s), nil
	case "":
		return StrategyReject, nil
	}
	return "", fmt.Errorf("replay: unknown strategy %q", s)
}

// DefaultTTL bounds how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// ErrKeyRequired is returned for envelopes without a replay protection key.
var ErrKeyRequired = errors.New("replay: replay protection key is required")

// Entry is what a Store remembers about a key.
type Entry struct {
	Key         string `json:"-"`
	FirstSeenMs int64  `json:"first_seen_ms"`
	HasResult   bool   `json:"has_result"`
	Result      any    `json:"result,omitempty"`
}

// Store is the deduplication backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record marks key as seen. It returns nil when the key was new and the
	// existing entry otherwise.
	Record(ctx context.Context, key string, ttl time.Duration) (*Entry, error)
	// SaveResult attaches a successful result to key.
	SaveResult(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Options configure a Guard.
type Options struct {
	DefaultStrategy Strategy
	// ModuleStrategies overrides the default per target module.
	ModuleStrategies map[string]Strategy
	TTL              time.Duration
}

// Guard applies a Strategy on top of a Store.
type Guard struct {
	store Store
	opts  Options
}

// NewGuard builds a guard. A zero TTL falls back to DefaultTTL and an empty
// default strategy to StrategyReject.
func NewGuard(store Store, opts Options) *Guard {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyReject
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	overrides := make(map[string]Strategy, len(opts.ModuleStrategies))
	for module, s := range opts.ModuleStrategies {
		overrides[module] = s
	}
	opts.ModuleStrategies = overrides
	return &Guard{store: store, opts: opts}
}

// StrategyFor returns the strategy applied to envelopes addressed to module.
func (g *Guard) StrategyFor(module string) Strategy {
	if s, ok := g.opts.ModuleStrategies[module]; ok {
		return s
	}
	return g.opts.DefaultStrategy
}

// CheckAndRecord records env's replay key and classifies it.
func (g *Guard) CheckAndRecord(ctx context.Context, env *envelope.Envelope) (CheckResult, error) {
	if env == nil {
		return CheckResult{}, rterrors.ErrEnvelopeRequired
	}
	key := env.ReplayProtectionKey
	if key == "" {
		return CheckResult{}, ErrKeyRequired
	}

	existing, err := g.store.Record(ctx, key, g.opts.TTL)
	if err != nil {
		return CheckResult{}, fmt.Errorf("replay: record %q: %w", key, err)
	}
	if existing == nil {
		return CheckResult{Status: StatusNew}, nil
	}

	switch g.StrategyFor(env.TargetModule) {
	case StrategyIdempotent:
		if existing.HasResult {
			return CheckResult{Status: StatusDuplicateIdempotent, CachedResult: existing.Result}, nil
		}
		return CheckResult{Status: StatusNew}, nil
	default:
		return CheckResult{Status: StatusDuplicateRejected}, nil
	}
}

// UpdateCachedResult stores value as the answer for key.
func (g *Guard) UpdateCachedResult(ctx context.Context, key string, value any) error {
	if key == "" {
		return ErrKeyRequired
	}
	if err := g.store.SaveResult(ctx, key, value, g.opts.TTL); err != nil {
		return fmt.Errorf("replay: save result %q: %w", key, err)
	}
	return nil
}
