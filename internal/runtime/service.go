package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/omegawire/internal/runtime/config"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
	loggingpkg "github.com/drblury/omegawire/internal/runtime/logging"
	transportpkg "github.com/drblury/omegawire/internal/runtime/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the collaborators of a Service. Orchestrator is
// required.
type ServiceDependencies struct {
	Orchestrator              *Orchestrator
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	// Registerer and Gatherer back the router metrics and /metrics. Nil uses
	// the default Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Service consumes envelopes from the configured transport, dispatches them
// and publishes one result per message.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	orchestrator *Orchestrator
	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService builds the transport, the router and its middleware chain, and
// registers the dispatch consumer. Call Start to begin consuming.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, rterrors.ErrConfigRequired
	}
	if log == nil {
		return nil, rterrors.ErrLoggerRequired
	}
	if deps.Orchestrator == nil {
		return nil, rterrors.ErrOrchestratorNeeded
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, rterrors.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating dispatch service",
		loggingpkg.LogFields{
			"pubsub_system": resolved.PubSubSystem,
			"config":        resolved,
		})

	s := &Service{
		Conf:         &resolved,
		Logger:       log,
		orchestrator: deps.Orchestrator,
		registerer:   deps.Registerer,
		gatherer:     deps.Gatherer,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := s.registerConsumer(); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return s, nil
}

// Start runs the router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.StartAdminServer()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running is closed once the router is consuming.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router and closes the transport.
func (s *Service) Close() error {
	err := s.router.Close()
	if cerr := (transportpkg.Transport{Publisher: s.publisher, Subscriber: s.subscriber}).Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Orchestrator returns the orchestrator messages are dispatched to.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
