package runtime

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/omegawire/internal/runtime/cloudevents"
	rterrors "github.com/drblury/omegawire/internal/runtime/errors"
	"github.com/drblury/omegawire/internal/runtime/ids"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/omegawire/internal/runtime/logging"
)

const consumerHandlerName = "omegawire_dispatch"

// Metadata keys set on result messages.
const (
	MetadataCorrelationID = "correlation_id"
	MetadataContentType   = "content_type"
	MetadataTraceID       = "trace_id"
	MetadataMessageID     = "message_id"
	MetadataResultCode    = "result_code"
	MetadataInReplyTo     = "in_reply_to"
)

const (
	contentTypeJSON           = "application/json"
	contentTypeProtobuf       = "application/protobuf"
	contentTypeProtobufLegacy = "application/x-protobuf"
)

func (s *Service) registerConsumer() error {
	if s.subscriber == nil {
		return rterrors.ErrSubscriberRequired
	}
	if s.publisher == nil {
		return rterrors.ErrPublisherRequired
	}
	s.router.AddHandler(
		consumerHandlerName,
		s.Conf.ConsumeTopic,
		s.subscriber,
		s.Conf.ResultTopic,
		s.publisher,
		s.consume,
	)
	return nil
}

// consume dispatches one inbound message and replies with its result. A
// failed dispatch is a normal reply, so the message is always acked.
func (s *Service) consume(msg *message.Message) ([]*message.Message, error) {
	input, asEvent := s.decodeInput(msg)
	res := s.orchestrator.Dispatch(msg.Context(), input)

	contentType := contentTypeJSON
	encode := func(res DispatchResult) ([]byte, error) { return jsoncodec.Marshal(res) }
	if asEvent {
		contentType = cloudevents.ContentType
		encode = func(res DispatchResult) ([]byte, error) {
			return jsoncodec.Marshal(resultEvent(res, msg))
		}
	}

	body, err := encode(res)
	if err != nil {
		// Only a handler value sonic cannot encode gets here.
		s.Logger.Error("Failed to encode dispatch result", err, loggingpkg.LogFields{
			"trace_id":   res.TraceID,
			"message_id": res.MessageID,
		})
		res.Result = Err(rterrors.Safe(ModuleName, CodeExecutionFailed, false))
		if body, err = encode(res); err != nil {
			return nil, err
		}
	}

	reply := message.NewMessage(ids.CreateULID(), body)
	reply.Metadata.Set(MetadataContentType, contentType)
	reply.Metadata.Set(MetadataTraceID, res.TraceID)
	reply.Metadata.Set(MetadataMessageID, res.MessageID)
	reply.Metadata.Set(MetadataResultCode, res.Code())
	reply.Metadata.Set(MetadataInReplyTo, msg.UUID)
	if correlationID := msg.Metadata.Get(MetadataCorrelationID); correlationID != "" {
		reply.Metadata.Set(MetadataCorrelationID, correlationID)
	}
	return []*message.Message{reply}, nil
}

// decodeInput turns the payload into something Dispatch accepts and
// reports whether the reply should be a CloudEvent. JSON is passed through
// as bytes. Protobuf payloads must carry a google.protobuf.Struct and
// structured-mode CloudEvents carry the envelope as data. Payloads that fail
// to decode are forwarded as a string so the validator records the
// rejection.
func (s *Service) decodeInput(msg *message.Message) (any, bool) {
	switch strings.ToLower(msg.Metadata.Get(MetadataContentType)) {
	case contentTypeProtobuf, contentTypeProtobufLegacy:
		var st structpb.Struct
		if err := proto.Unmarshal(msg.Payload, &st); err != nil {
			s.logUndecodable(msg, err)
			return string(msg.Payload), false
		}
		return st.AsMap(), false
	case cloudevents.ContentType:
		evt, err := cloudevents.Parse(msg.Payload)
		if err != nil {
			s.logUndecodable(msg, err)
			return string(msg.Payload), true
		}
		return evt.Data, true
	default:
		return []byte(msg.Payload), false
	}
}

func (s *Service) logUndecodable(msg *message.Message, err error) {
	s.Logger.Debug("Message payload could not be decoded", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"content_type": msg.Metadata.Get(MetadataContentType),
		"error":        err.Error(),
	})
}

func resultEvent(res DispatchResult, inbound *message.Message) cloudevents.Event {
	evt := cloudevents.New(cloudevents.TypeDispatchResult, ModuleName, res)
	evt.Subject = res.TraceID
	evt = evt.
		WithExtension(cloudevents.ExtTraceID, res.TraceID).
		WithExtension(cloudevents.ExtMessageID, res.MessageID).
		WithExtension(cloudevents.ExtResultCode, res.Code()).
		WithExtension(cloudevents.ExtInReplyTo, inbound.UUID)
	if correlationID := inbound.Metadata.Get(MetadataCorrelationID); correlationID != "" {
		evt = evt.WithExtension(cloudevents.ExtCorrelationID, correlationID)
	}
	return evt
}
