// Package registry maps version-pinned handler keys to handlers.
//
// A key is the literal string target_module + "@" + module_version. Resolution
// is an exact string match: a caller asking for a version that was never
// registered gets ErrHandlerNotFound, never a nearby version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/drblury/omegawire/internal/envelope"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

var (
	ErrHandlerNotFound   = errors.New("registry: no handler registered")
	ErrUnsupportedSchema = errors.New("registry: payload schema not supported by handler")
	ErrUnsupportedKind   = errors.New("registry: kind not supported by handler")
	ErrDuplicateHandler  = errors.New("registry: handler already registered")
	ErrInvalidVersion    = errors.New("registry: invalid module version")
)

// Handler executes an envelope's payload. A returned *errors.Error is
// surfaced to the caller as-is; any other error is sanitized.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) (any, error) {
	return f(ctx, env)
}

// Capabilities narrows what a registered handler accepts. Empty lists accept
// everything.
type Capabilities struct {
	Schemas []string
	Kinds   []envelope.Kind
}

// Resolution is a successful lookup.
type Resolution struct {
	Handler    Handler
	HandlerKey string
}

type registration struct {
	module  string
	version string
	handler Handler
	caps    Capabilities
}

// Info describes a registered handler without exposing it.
type Info struct {
	Key     string   `json:"key"`
	Module  string   `json:"module"`
	Version string   `json:"version"`
	Schemas []string `json:"schemas,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// ValidateVersion accepts "<name>@<semver>", the only form an envelope's
// module_version can take.
func ValidateVersion(version string) error {
	name, v, ok := strings.Cut(version, "@")
	if !ok || name == "" || strings.Contains(v, "@") {
		return fmt.Errorf("%w: %q: want <name>@<semver>", ErrInvalidVersion, version)
	}
	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	return nil
}

// Register binds handler to module@version.
func (r *Registry) Register(module, version string, handler Handler, caps Capabilities) error {
	if handler == nil {
		return rterrors.ErrHandlerRequired
	}
	if strings.TrimSpace(module) == "" {
		return fmt.Errorf("registry: module is required")
	}
	if err := ValidateVersion(version); err != nil {
		return err
	}
	key := envelope.HandlerKey(module, version)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	r.entries[key] = registration{
		module:  module,
		version: version,
		handler: handler,
		caps: Capabilities{
			Schemas: slices.Clone(caps.Schemas),
			Kinds:   slices.Clone(caps.Kinds),
		},
	}
	return nil
}

// MustRegister panics when Register fails.
func (r *Registry) MustRegister(module, version string, handler Handler, caps Capabilities) {
	if err := r.Register(module, version, handler, caps); err != nil {
		panic(err)
	}
}

// Unregister removes module@version and reports whether it was present.
func (r *Registry) Unregister(module, version string) bool {
	key := envelope.HandlerKey(module, version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Resolve finds the handler for env by exact key, then checks the declared
// capabilities.
func (r *Registry) Resolve(env *envelope.Envelope) (Resolution, error) {
	if env == nil {
		return Resolution{}, rterrors.ErrEnvelopeRequired
	}
	key := env.HandlerKey()

	r.mu.RLock()
	reg, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrHandlerNotFound, key)
	}
	if len(reg.caps.Schemas) > 0 && !slices.Contains(reg.caps.Schemas, env.PayloadSchema) {
		return Resolution{}, fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedSchema, key, env.PayloadSchema)
	}
	if len(reg.caps.Kinds) > 0 && !slices.Contains(reg.caps.Kinds, env.Kind) {
		return Resolution{}, fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedKind, key, env.Kind)
	}
	return Resolution{Handler: reg.handler, HandlerKey: key}, nil
}

// Keys lists registered handler keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Describe lists every registration sorted by key.
func (r *Registry) Describe() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for key, reg := range r.entries {
		info := Info{
			Key:     key,
			Module:  reg.module,
			Version: reg.version,
			Schemas: slices.Clone(reg.caps.Schemas),
		}
		for _, k := range reg.caps.Kinds {
			info.Kinds = append(info.Kinds, string(k))
		}
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len is the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
