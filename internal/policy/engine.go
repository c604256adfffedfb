package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/runtime/clock"
	"github.com/drblury/omegawire/internal/runtime/config"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// Built-in rule ids. Their priorities start at 10 so custom rules can be
// ordered before or after them.
const (
	RuleSourceModule = "builtin:source_module"
	RuleTargetModule = "builtin:target_module"
	RuleKind         = "builtin:kind"
	RuleSchema       = "builtin:schema"
	RulePayloadSize  = "builtin:payload_size"
	RuleRateLimit    = "builtin:rate_limit"
)

const (
	DefaultMaxPayloadBytes    = 2 * 1024 * 1024
	DefaultRateLimitPerMinute = 1000
)

// Config drives the built-in rules. Empty sets mean "any".
type Config struct {
	AllowedSourceModules []string
	AllowedTargetModules []string
	AllowedKinds         []envelope.Kind
	// AllowedSchemas restricts payload_schema per target module.
	AllowedSchemas     map[string][]string
	MaxPayloadBytes    int
	RateLimitPerMinute int
}

// DefaultConfig admits every module, all three kinds, 2 MiB payloads and
// 1000 messages per source per minute.
func DefaultConfig() Config {
	return Config{
		AllowedKinds:       []envelope.Kind{envelope.KindCommand, envelope.KindQuery, envelope.KindEvent},
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
	}
}

// StrictConfig halves the payload ceiling and caps sources at 100/min.
func StrictConfig() Config {
	c := DefaultConfig()
	c.MaxPayloadBytes = 1024 * 1024
	c.RateLimitPerMinute = 100
	return c
}

// FromConfig maps the service configuration onto engine settings. Unset
// numeric limits fall back to the defaults.
func FromConfig(pc config.PolicyConfig) Config {
	c := DefaultConfig()
	c.AllowedSourceModules = slices.Clone(pc.AllowedSourceModules)
	c.AllowedTargetModules = slices.Clone(pc.AllowedTargetModules)
	if len(pc.AllowedKinds) > 0 {
		c.AllowedKinds = c.AllowedKinds[:0]
		for _, k := range pc.AllowedKinds {
			c.AllowedKinds = append(c.AllowedKinds, envelope.Kind(k))
		}
	}
	if len(pc.AllowedSchemas) > 0 {
		c.AllowedSchemas = make(map[string][]string, len(pc.AllowedSchemas))
		for module, schemas := range pc.AllowedSchemas {
			c.AllowedSchemas[module] = slices.Clone(schemas)
		}
	}
	if pc.MaxPayloadBytes > 0 {
		c.MaxPayloadBytes = pc.MaxPayloadBytes
	}
	if pc.RateLimitPerMinute > 0 {
		c.RateLimitPerMinute = pc.RateLimitPerMinute
	}
	return c
}

func (c Config) clone() Config {
	out := c
	out.AllowedSourceModules = slices.Clone(c.AllowedSourceModules)
	out.AllowedTargetModules = slices.Clone(c.AllowedTargetModules)
	out.AllowedKinds = slices.Clone(c.AllowedKinds)
	if c.AllowedSchemas != nil {
		out.AllowedSchemas = make(map[string][]string, len(c.AllowedSchemas))
		for k, v := range c.AllowedSchemas {
			out.AllowedSchemas[k] = slices.Clone(v)
		}
	}
	return out
}

// Rule is one step of the evaluation chain. Rules run in ascending priority
// order and the first denial ends evaluation.
type Rule struct {
	ID          string
	Description string
	Priority    int
	Enabled     bool
	Check       func(env *envelope.Envelope) Decision
}

// Engine evaluates built-in and custom rules against an envelope.
type Engine struct {
	conf  Config
	clock clock.Clock

	mu    sync.RWMutex
	rules []Rule

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	cel *celEvaluator
}

// EngineOption tunes an Engine.
type EngineOption func(*Engine)

// WithClock makes rate limiting follow c instead of the wall clock.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithoutRateLimit disables the rate limit rule.
func WithoutRateLimit() EngineOption {
	return func(e *Engine) { e.setEnabledLocked(RuleRateLimit, false) }
}

// NewEngine builds an engine with the six built-in rules.
func NewEngine(conf Config, opts ...EngineOption) *Engine {
	e := &Engine{
		conf:     conf.clone(),
		clock:    clock.System,
		limiters: make(map[string]*rate.Limiter),
	}
	e.rules = []Rule{
		{ID: RuleSourceModule, Description: "source module must be allowed", Priority: 10, Enabled: true, Check: e.checkSource},
		{ID: RuleTargetModule, Description: "target module must be allowed", Priority: 11, Enabled: true, Check: e.checkTarget},
		{ID: RuleKind, Description: "kind must be allowed", Priority: 12, Enabled: true, Check: e.checkKind},
		{ID: RuleSchema, Description: "payload schema must be allowed for the target", Priority: 13, Enabled: true, Check: e.checkSchema},
		{ID: RulePayloadSize, Description: "payload must fit the size limit", Priority: 14, Enabled: true, Check: e.checkPayloadSize},
		{ID: RuleRateLimit, Description: "source must stay within its rate limit", Priority: 15, Enabled: true, Check: e.checkRateLimit},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewPermissiveEngine is the default engine without rate limiting.
func NewPermissiveEngine(opts ...EngineOption) *Engine {
	return NewEngine(DefaultConfig(), append(opts, WithoutRateLimit())...)
}

// NewStrictEngine uses StrictConfig.
func NewStrictEngine(opts ...EngineOption) *Engine {
	return NewEngine(StrictConfig(), opts...)
}

// Check runs enabled rules in priority order.
func (e *Engine) Check(_ context.Context, env *envelope.Envelope) Decision {
	for _, rule := range e.orderedRules() {
		if !rule.Enabled {
			continue
		}
		d := rule.Check(env)
		if !d.Allow {
			if d.Code == "" {
				d.Code = CodeCustomRule
			}
			return d
		}
	}
	return Allowed()
}

func (e *Engine) orderedRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.rules)
}

// AddRule inserts a custom rule. Rule ids are unique.
func (e *Engine) AddRule(rule Rule) error {
	if rule.ID == "" || rule.Check == nil {
		return fmt.Errorf("policy: rule needs an id and a check")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("policy: rule %q already exists", rule.ID)
		}
	}
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority < e.rules[j].Priority })
	return nil
}

// RemoveRule deletes a rule and reports whether it existed.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = slices.Delete(e.rules, i, i+1)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule and reports whether it exists.
func (e *Engine) SetRuleEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setEnabledLocked(id, enabled)
}

func (e *Engine) setEnabledLocked(id string, enabled bool) bool {
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Rules returns the rule chain in evaluation order.
func (e *Engine) Rules() []Rule {
	return e.orderedRules()
}

// Config returns a copy of the engine settings.
func (e *Engine) Config() Config {
	return e.conf.clone()
}

// ResetRateLimits forgets every per-source limiter.
func (e *Engine) ResetRateLimits() {
	e.limitMu.Lock()
	e.limiters = make(map[string]*rate.Limiter)
	e.limitMu.Unlock()
}

func (e *Engine) checkSource(env *envelope.Envelope) Decision {
	if len(e.conf.AllowedSourceModules) > 0 && !slices.Contains(e.conf.AllowedSourceModules, env.SourceModule) {
		return Denied(CodeBlockedSource, fmt.Sprintf("source module %q is not allowed", env.SourceModule))
	}
	return Allowed()
}

func (e *Engine) checkTarget(env *envelope.Envelope) Decision {
	if len(e.conf.AllowedTargetModules) > 0 && !slices.Contains(e.conf.AllowedTargetModules, env.TargetModule) {
		return Denied(CodeBlockedTarget, fmt.Sprintf("target module %q is not allowed", env.TargetModule))
	}
	return Allowed()
}

func (e *Engine) checkKind(env *envelope.Envelope) Decision {
	if len(e.conf.AllowedKinds) > 0 && !slices.Contains(e.conf.AllowedKinds, env.Kind) {
		return Denied(CodeBlockedKind, fmt.Sprintf("kind %q is not allowed", env.Kind))
	}
	return Allowed()
}

func (e *Engine) checkSchema(env *envelope.Envelope) Decision {
	schemas, restricted := e.conf.AllowedSchemas[env.TargetModule]
	if restricted && !slices.Contains(schemas, env.PayloadSchema) {
		return Denied(CodeBlockedSchema, fmt.Sprintf("schema %q is not allowed for %s", env.PayloadSchema, env.TargetModule))
	}
	return Allowed()
}

func (e *Engine) checkPayloadSize(env *envelope.Envelope) Decision {
	if e.conf.MaxPayloadBytes <= 0 {
		return Allowed()
	}
	encoded, err := jsoncodec.Marshal(env.Payload)
	if err != nil {
		return Denied(CodePayloadTooLarge, "payload is not measurable")
	}
	if len(encoded) > e.conf.MaxPayloadBytes {
		return Denied(CodePayloadTooLarge, fmt.Sprintf("payload is %d bytes, limit is %d", len(encoded), e.conf.MaxPayloadBytes))
	}
	return Allowed()
}

func (e *Engine) checkRateLimit(env *envelope.Envelope) Decision {
	if e.conf.RateLimitPerMinute <= 0 {
		return Allowed()
	}
	now := time.UnixMilli(e.clock.NowMs())

	e.limitMu.Lock()
	limiter, ok := e.limiters[env.SourceModule]
	if !ok {
		perMinute := e.conf.RateLimitPerMinute
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		e.limiters[env.SourceModule] = limiter
	}
	e.limitMu.Unlock()

	if !limiter.AllowN(now, 1) {
		return Denied(CodeRateLimited, fmt.Sprintf("source %q exceeded %d messages per minute", env.SourceModule, e.conf.RateLimitPerMinute))
	}
	return Allowed()
}
