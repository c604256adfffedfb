package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/omegawire/internal/runtime/config"
)

var (
	AWSDefaultConfigLoader  = awsconfig.LoadDefaultConfig
	SNSTopicResolverFactory = sns.NewGenerateArnTopicResolver
	SNSPublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SNSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	// awsSubscriberName suffixes the SQS queue subscribed to each SNS topic.
	awsSubscriberName = "omegawire"
)

// awsTransport publishes to SNS topics and consumes through one SQS queue per
// topic. Setting AWSEndpoint targets LocalStack or another emulator.
func awsTransport(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	cfg, err := createAWSConfig(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}
	endpoint, err := awsEndpointURL(conf)
	if err != nil {
		return Transport{}, err
	}
	accountID, region := resolveAccountAndRegion(conf, logger, cfg.Region)
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          region,
		"custom_endpoint": endpoint != nil,
	})

	topicResolver, err := SNSTopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"account_id": accountID,
			"region":     region,
		})
		return Transport{}, err
	}

	publisher, err := SNSPublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     cfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		OptFns:        snsEndpointOptions(endpoint),
	}, logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := SNSSubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            cfg,
			OptFns:               snsEndpointOptions(endpoint),
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: sqsQueueNameGenerator(awsSubscriberName),
		},
		sqs.SubscriberConfig{
			AWSConfig: cfg,
			OptFns:    sqsEndpointOptions(endpoint),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, err
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func createAWSConfig(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if conf.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(conf.AWSRegion))
	}
	if conf.AWSAccessKeyID != "" && conf.AWSSecretAccessKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(conf.AWSAccessKeyID, conf.AWSSecretAccessKey)))
	}

	cfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": conf.AWSRegion})
		return aws.Config{}, err
	}
	if conf.AWSRegion != "" {
		cfg.Region = conf.AWSRegion
	}
	return cfg, nil
}

func sqsQueueNameGenerator(subscriberName string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%v-%v", topic, subscriberName), nil
	}
}

func snsEndpointOptions(endpoint *url.URL) []func(*amazonsns.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

func sqsEndpointOptions(endpoint *url.URL) []func(*amazonsqs.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
}

// resolveAccountAndRegion trims the configured account id. Emulators accept
// any id, so an empty or malformed one falls back to the LocalStack default
// when a custom endpoint is set.
func resolveAccountAndRegion(conf *config.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(conf.AWSAccountID, "\"' ")
	region := conf.AWSRegion
	if region == "" {
		region = fallbackRegion
	}
	if conf.AWSEndpoint != "" && len(accountID) != awsAccountIDLength {
		logger.Info("AWS account ID missing or invalid; using LocalStack default", watermill.LogFields{"account_id": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func awsEndpointURL(conf *config.Config) (*url.URL, error) {
	if conf.AWSEndpoint == "" {
		return nil, nil
	}
	parsed, err := url.Parse(conf.AWSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsed, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
