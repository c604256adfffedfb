// Package transport builds the watermill publisher and subscriber the
// dispatch consumer runs on. Each broker has a Builder registered under the
// PubSubSystem name that selects it.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/omegawire/internal/runtime/config"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
)

// Transport names accepted in Config.PubSubSystem.
const (
	NameChannel       = "channel"
	NameKafka         = "kafka"
	NameNATS          = "nats"
	NameNATSJetStream = "nats-jetstream"
	NameRabbitMQ      = "rabbitmq"
	NameHTTP          = "http"
	NameAWS           = "aws"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides, subscriber first.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		firstErr = t.Subscriber.Close()
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Factory abstracts how omegawire initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// Registry maps PubSubSystem names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry preloaded with the built-in transports.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register(NameChannel, channelTransport)
	r.Register("gochannel", channelTransport)
	r.Register(NameKafka, kafkaTransport)
	r.Register(NameNATS, natsTransport)
	r.Register(NameNATSJetStream, jetStreamTransport)
	r.Register(NameRabbitMQ, rabbitTransport)
	r.Register(NameHTTP, httpTransport)
	r.Register(NameAWS, awsTransport)
	return r
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = builder
}

// Names lists registered transports in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a transport is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Build creates the transport selected by conf.PubSubSystem. An empty
// system selects the in-process channel transport.
func (r *Registry) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, rterrors.ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	name := strings.ToLower(conf.PubSubSystem)
	if name == "" {
		name = NameChannel
	}

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, conf, logger)
}

var defaultRegistry = NewRegistry()

// DefaultFactory returns the registry of built-in transports.
func DefaultFactory() Factory {
	return defaultRegistry
}
