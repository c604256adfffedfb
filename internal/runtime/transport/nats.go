package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/omegawire/internal/runtime/config"
)

const (
	// DefaultNATSQueueGroup load-balances dispatch messages across replicas.
	DefaultNATSQueueGroup = "omegawire"
	// DefaultJetStreamDurablePrefix names durable JetStream consumers.
	DefaultJetStreamDurablePrefix = "omegawire"
)

var (
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
)

// natsTransport uses core NATS subjects without persistence.
func natsTransport(_ context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return buildNATS(conf, nats.JetStreamConfig{Disabled: true}, logger)
}

// jetStreamTransport uses JetStream streams that are provisioned on first
// use, with durable consumers so unacknowledged dispatches survive restarts.
func jetStreamTransport(_ context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return buildNATS(conf, nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: DefaultJetStreamDurablePrefix,
	}, logger)
}

func buildNATS(conf *config.Config, js nats.JetStreamConfig, logger watermill.LoggerAdapter) (Transport, error) {
	marshaler := &nats.NATSMarshaler{}
	options := natsOptions()

	publisher, err := NATSPublisherFactory(
		nats.PublisherConfig{
			URL:         conf.NATSURL,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   js,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := NATSSubscriberFactory(
		nats.SubscriberConfig{
			URL:              conf.NATSURL,
			QueueGroupPrefix: DefaultNATSQueueGroup,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        js,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}

	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

func natsOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("omegawire"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
}
