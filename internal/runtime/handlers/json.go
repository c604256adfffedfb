package handlers

import (
	"context"
	"reflect"

	"github.com/drblury/omegawire/internal/envelope"
	"github.com/drblury/omegawire/internal/registry"
	errspkg "github.com/drblury/omegawire/internal/runtime/errors"
	jsoncodec "github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// JSONMessageContext exposes the decoded payload to JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes a typed payload and returns the dispatch value.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) (O, error)

// JSON converts a typed handler into a registry handler. T must be a pointer
// type; a fresh value is allocated for every call.
func JSON[T any, O any](handler JSONMessageHandler[T, O]) (registry.Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return registry.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (any, error) {
		typed := prototypeFactory()

		raw, err := jsoncodec.Marshal(env.Payload)
		if err != nil {
			return nil, decodeError(typed, err)
		}
		if err := jsoncodec.Unmarshal(raw, typed); err != nil {
			return nil, decodeError(typed, err)
		}

		return handler(ctx, JSONMessageContext[T]{
			MessageContextBase: MessageContextBase{Envelope: env},
			Payload:            typed,
		})
	}), nil
}

// MustJSON panics when JSON fails.
func MustJSON[T any, O any](handler JSONMessageHandler[T, O]) registry.Handler {
	h, err := JSON(handler)
	if err != nil {
		panic(err)
	}
	return h
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
