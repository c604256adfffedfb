package chronicle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

func TestPublishingChroniclePublishesSealedRecords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(ctx, "omega.chronicle")
	require.NoError(t, err)

	c := NewPublishingChronicle(NewMemoryChronicle(10), pubSub, "omega.chronicle", nil)
	sealed, err := c.Append(ctx, rec("r1", "t1", "m1", EventDispatchReceived))
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "r1", msg.UUID)
		assert.Equal(t, "t1", msg.Metadata.Get(MetadataTraceID))
		assert.Equal(t, "m1", msg.Metadata.Get(MetadataMessageID))
		assert.Equal(t, string(EventDispatchReceived), msg.Metadata.Get(MetadataEventType))

		var published Record
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &published))
		assert.Equal(t, sealed.Hash, published.Hash)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timeout waiting for chronicle record")
	}

	size, _ := c.Size(ctx)
	assert.Equal(t, 1, size)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                               { return nil }

func TestPublishingChronicleToleratesPublishFailure(t *testing.T) {
	ctx := context.Background()
	c := NewPublishingChronicle(NewMemoryChronicle(10), failingPublisher{}, "omega.chronicle", nil)

	sealed, err := c.Append(ctx, rec("r1", "t1", "m1", EventDispatchReceived))
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Hash)
	assert.NoError(t, c.Verify(ctx))
}
