package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/omegawire/internal/chronicle"
	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/policy"
	"github.com/drblury/omegawire/internal/registry"
	"github.com/drblury/omegawire/internal/replay"
	"github.com/drblury/omegawire/internal/runtime"
	"github.com/drblury/omegawire/internal/runtime/config"
	"github.com/drblury/omegawire/internal/runtime/handlers"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// app owns everything built from a Config. close releases the stores in
// reverse order of creation.
type app struct {
	conf         *config.Config
	logger       logging.ServiceLogger
	registry     *registry.Registry
	orchestrator *runtime.Orchestrator
	chronicle    chronicle.Chronicle
	metrics      *runtime.Metrics
	closers      []io.Closer
}

type appOptions struct {
	// Publisher, when set together with Config.ChronicleTopic, receives a
	// copy of every chronicle record.
	Publisher  message.Publisher
	Registerer prometheus.Registerer
}

func buildApp(ctx context.Context, conf *config.Config, logger logging.ServiceLogger, opts appOptions) (*app, error) {
	a := &app{conf: conf, logger: logger}

	reg, err := buildRegistry(conf.Handlers)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	store, err := a.buildChronicle(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.chronicle = store
	if opts.Publisher != nil && conf.ChronicleTopic != "" {
		a.chronicle = chronicle.NewPublishingChronicle(store, opts.Publisher, conf.ChronicleTopic, logger)
	}

	guard, err := a.buildReplayGuard()
	if err != nil {
		a.close()
		return nil, err
	}

	pol, err := buildPolicy(conf)
	if err != nil {
		a.close()
		return nil, err
	}

	if conf.MetricsEnabled {
		a.metrics = runtime.NewMetrics(opts.Registerer)
		if err := a.metrics.Register(); err != nil {
			a.close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	deps := runtime.Dependencies{
		Registry:  reg,
		Chronicle: a.chronicle,
		Logger:    logger,
		Metrics:   a.metrics,
		Hooks:     runtime.LoggingHooks(logger),
	}
	// Typed nil pointers must not reach the interface fields.
	if pol != nil {
		deps.Policy = pol
	}
	if guard != nil {
		deps.ReplayGuard = guard
	}
	orch, err := runtime.New(conf, deps)
	if err != nil {
		a.close()
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Error("Failed to close resource", err, nil)
		}
	}
	a.closers = nil
}

func (a *app) buildChronicle(ctx context.Context) (chronicle.Chronicle, error) {
	conf := a.conf
	switch strings.ToLower(conf.ChronicleBackend) {
	case "", "memory":
		return chronicle.NewMemoryChronicle(conf.ChronicleMaxRecords), nil
	case "sqlite":
		c, err := chronicle.OpenSQL(ctx, chronicle.SQLConfig{Dialect: chronicle.DialectSQLite, DSN: conf.SQLiteFile})
		if err != nil {
			return nil, fmt.Errorf("open sqlite chronicle: %w", err)
		}
		a.closers = append(a.closers, c)
		return c, nil
	case "postgres":
		c, err := chronicle.OpenSQL(ctx, chronicle.SQLConfig{Dialect: chronicle.DialectPostgres, DSN: conf.PostgresURL})
		if err != nil {
			return nil, fmt.Errorf("open postgres chronicle: %w", err)
		}
		a.closers = append(a.closers, c)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown chronicle backend %q", conf.ChronicleBackend)
	}
}

// buildReplayGuard returns a guard over Redis when RedisAddr is set and over
// process memory otherwise. The "none" strategy disables replay protection.
func (a *app) buildReplayGuard() (*replay.Guard, error) {
	name := strings.ToLower(a.conf.ReplayStrategy)
	if name == "none" {
		return nil, nil
	}
	strategy, err := replay.ParseStrategy(name)
	if err != nil {
		return nil, err
	}

	var store replay.Store
	if a.conf.RedisAddr != "" {
		redisStore := replay.NewRedisStoreFromAddr(a.conf.RedisAddr, a.conf.RedisPassword, a.conf.RedisDB)
		a.closers = append(a.closers, redisStore)
		store = redisStore
	} else {
		store = replay.NewMemoryStore(nil)
	}
	return replay.NewGuard(store, replay.Options{
		DefaultStrategy: strategy,
		TTL:             a.conf.ReplayTTL,
	}), nil
}

// buildPolicy returns nil when no policy is enabled, which lets
// DenyWithoutPolicy decide.
func buildPolicy(conf *config.Config) (*policy.Engine, error) {
	if !conf.Policy.Enabled {
		return nil, nil
	}
	engine := policy.NewEngine(policy.FromConfig(conf.Policy))

	ids := make([]string, 0, len(conf.Policy.Expressions))
	for id := range conf.Policy.Expressions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := engine.AddExpressionRule(id, conf.Policy.Expressions[id], policy.DefaultExpressionPriority); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// buildRegistry registers an echo handler for every configured module
// version.
func buildRegistry(handlerConfs []config.HandlerConfig) (*registry.Registry, error) {
	reg := registry.New()
	var errs []error
	for _, hc := range handlerConfs {
		kinds := make([]envelope.Kind, 0, len(hc.Kinds))
		for _, k := range hc.Kinds {
			kinds = append(kinds, envelope.Kind(k))
		}
		caps := registry.Capabilities{Schemas: hc.Schemas, Kinds: kinds}
		if err := reg.Register(hc.Module, hc.Version, handlers.Echo(hc.Reply), caps); err != nil {
			errs = append(errs, fmt.Errorf("handler %s@%s: %w", hc.Module, hc.Version, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reg, nil
}
