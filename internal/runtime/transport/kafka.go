package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/omegawire/internal/runtime/config"
)

// DefaultKafkaConsumerGroup is used when KafkaConsumerGroup is empty so that
// several orchestrator replicas share the dispatch topic.
const DefaultKafkaConsumerGroup = "omegawire"

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

// kafkaTransport publishes results and consumes envelopes with one consumer
// group per orchestrator deployment. KafkaClientID, when set, is reported to
// the brokers by both sides.
func kafkaTransport(_ context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	pubCfg := kafka.PublisherConfig{
		Brokers:   conf.KafkaBrokers,
		Marshaler: kafka.DefaultMarshaler{},
	}
	group := conf.KafkaConsumerGroup
	if group == "" {
		group = DefaultKafkaConsumerGroup
	}
	subCfg := kafka.SubscriberConfig{
		Brokers:       conf.KafkaBrokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: group,
	}
	if conf.KafkaClientID != "" {
		pubCfg.OverwriteSaramaConfig = kafka.DefaultSaramaSyncPublisherConfig()
		pubCfg.OverwriteSaramaConfig.ClientID = conf.KafkaClientID
		subCfg.OverwriteSaramaConfig = kafka.DefaultSaramaSubscriberConfig()
		subCfg.OverwriteSaramaConfig.ClientID = conf.KafkaClientID
	}

	publisher, err := KafkaPublisherFactory(pubCfg, logger)
	if err != nil {
		return Transport{}, err
	}
	subscriber, err := KafkaSubscriberFactory(subCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	logger.Info("Created Kafka transport", watermill.LogFields{
		"brokers":        conf.KafkaBrokers,
		"consumer_group": group,
	})
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
