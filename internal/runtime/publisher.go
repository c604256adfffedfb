package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/omegawire/internal/envelope"
	errspkg "github.com/drblury/omegawire/internal/runtime/errors"
	idspkg "github.com/drblury/omegawire/internal/runtime/ids"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// Submitter sends envelopes to the dispatch topic.
type Submitter interface {
	Submit(ctx context.Context, env *envelope.Envelope, metadata message.Metadata) error
}

// NewEnvelopeMessage encodes env as a JSON message. trace_id and message_id
// are copied into the metadata so brokers can route on them.
func NewEnvelopeMessage(env *envelope.Envelope, metadata message.Metadata) (*message.Message, error) {
	if env == nil {
		return nil, errspkg.ErrEnvelopeRequired
	}

	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(MetadataContentType, contentTypeJSON)
	msg.Metadata.Set(MetadataTraceID, env.TraceID)
	msg.Metadata.Set(MetadataMessageID, env.MessageID)
	return msg, nil
}

// PublishEnvelope encodes env and publishes it to topic.
func PublishEnvelope(ctx context.Context, publisher message.Publisher, topic string, env *envelope.Envelope, metadata message.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewEnvelopeMessage(env, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// Submit publishes env to the topic the service consumes from.
func (s *Service) Submit(ctx context.Context, env *envelope.Envelope, metadata message.Metadata) error {
	return PublishEnvelope(ctx, s.publisher, s.Conf.ConsumeTopic, env, metadata)
}
