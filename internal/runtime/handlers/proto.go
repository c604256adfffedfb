package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/registry"
	errspkg "github.com/drblury/omegawire/internal/runtime/errors"
	jsoncodec "github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// ProtoMessageContext provides strongly typed access to the payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageHandler processes a typed protobuf payload. The returned
// message becomes the dispatch value in its protojson form.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) (proto.Message, error)

// Proto converts a typed protobuf handler into a registry handler. The
// payload is read with protojson, so it must use the message's JSON field
// names. A nil prototype of a pointer type is allocated.
func Proto[T proto.Message](prototype T, handler ProtoMessageHandler[T]) (registry.Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return registry.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (any, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return nil, err
		}

		raw, err := jsoncodec.Marshal(env.Payload)
		if err != nil {
			return nil, decodeError(typed, err)
		}
		if err := protoJSONUnmarshalOptions.Unmarshal(raw, typed); err != nil {
			return nil, decodeError(typed, err)
		}

		out, err := handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: MessageContextBase{Envelope: env},
			Payload:            typed,
		})
		if err != nil {
			return nil, err
		}
		return protoValue(out)
	}), nil
}

// protoValue turns a handler result into plain JSON values so it can be
// cached and serialised like any other dispatch value.
func protoValue(msg proto.Message) (any, error) {
	if isNilProto(msg) {
		return nil, nil
	}
	raw, err := protoJSONMarshalOptions.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T result: %w", msg, err)
	}
	var value any
	if err := jsoncodec.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrPayloadTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a newly allocated message when
// candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
