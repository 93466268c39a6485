package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/postlane/postlane/pkg/channels/gochannel"
	"github.com/postlane/postlane/pkg/eventbus"
	"github.com/postlane/postlane/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	var (
		mu       sync.Mutex
		received []*events.ItemEnqueued
	)

	require.NoError(t, bus.Handle(events.ItemEnqueuedEvent, func(_ context.Context, event any) error {
		enqueued, ok := event.(*events.ItemEnqueued)
		require.True(t, ok)

		mu.Lock()
		received = append(received, enqueued)
		mu.Unlock()

		return nil
	}))

	require.NoError(t, bus.Subscribe(ctx))

	published := events.ItemEnqueued{
		BaseEvent: events.NewBaseEvent(events.ItemEnqueuedEvent, "auto-1", "item-1"),
		ContactID: "contact-1",
		ExecuteAt: time.Now().UTC(),
	}
	require.NoError(t, bus.Publish(ctx, "auto-1", published))

	// Events without a registered handler are acked and dropped, not
	// delivered to the wrong handler.
	require.NoError(t, bus.Publish(ctx, "auto-1", events.ItemCompleted{
		BaseEvent: events.NewBaseEvent(events.ItemCompletedEvent, "auto-1", "item-1"),
		ContactID: "contact-1",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "item-1", received[0].ItemID)
	assert.Equal(t, "auto-1", received[0].AutomationID)
	assert.Equal(t, "contact-1", received[0].ContactID)
}
