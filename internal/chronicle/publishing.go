package chronicle

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// Metadata keys set on published records.
const (
	MetadataTraceID   = "trace_id"
	MetadataMessageID = "message_id"
	MetadataEventType = "event_type"
)

// PublishingChronicle appends to an inner chronicle and then publishes each
// sealed record to a Watermill topic. Publish failures are logged and never
// fail the append: the inner chronicle stays the source of truth.
type PublishingChronicle struct {
	Chronicle
	publisher message.Publisher
	topic     string
	logger    logging.ServiceLogger
}

// NewPublishingChronicle decorates inner.
func NewPublishingChronicle(inner Chronicle, publisher message.Publisher, topic string, logger logging.ServiceLogger) *PublishingChronicle {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &PublishingChronicle{
		Chronicle: inner,
		publisher: publisher,
		topic:     topic,
		logger:    logger.With(logging.LogFields{"topic": topic}),
	}
}

func (p *PublishingChronicle) Append(ctx context.Context, r Record) (Record, error) {
	sealed, err := p.Chronicle.Append(ctx, r)
	if err != nil {
		return sealed, err
	}

	payload, err := jsoncodec.Marshal(sealed)
	if err != nil {
		p.logger.Error("Failed to encode chronicle record", err, logging.LogFields{"record_id": sealed.RecordID})
		return sealed, nil
	}
	msg := message.NewMessage(sealed.RecordID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataTraceID, sealed.TraceID)
	msg.Metadata.Set(MetadataMessageID, sealed.MessageID)
	msg.Metadata.Set(MetadataEventType, string(sealed.EventType))

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.logger.Error("Failed to publish chronicle record", err, logging.LogFields{
			"record_id":  sealed.RecordID,
			"event_type": string(sealed.EventType),
		})
	}
	return sealed, nil
}
