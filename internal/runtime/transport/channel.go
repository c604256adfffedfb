package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/omegawire/internal/runtime/config"
)

// DefaultChannelBuffer is the per-subscriber buffer of the in-process transport.
const DefaultChannelBuffer = 64

var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		pubSub := gochannel.NewGoChannel(cfg, logger)
		return pubSub, pubSub
	}
)

// channelTransport runs everything in process. Used by tests, the one-shot
// CLI and single-binary deployments.
func channelTransport(_ context.Context, _ *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	pub, sub := GoChannelFactory(gochannel.Config{
		OutputChannelBuffer: DefaultChannelBuffer,
	}, logger)

	return Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}
