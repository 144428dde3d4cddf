package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weir-sfu/weir/pkg/events"
	"go.uber.org/goleak"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	ch, cancel := bus.Subscribe(context.Background(), 8)
	defer cancel()

	bus.Publish(events.Event{
		Type:          events.ParticipantJoined,
		ConferenceID:  "R",
		ParticipantID: "A",
	})

	select {
	case ev := <-ch:
		assert.Equal(t, events.ParticipantJoined, ev.Type)
		assert.Equal(t, "R", ev.ConferenceID)
		assert.False(t, ev.Time.IsZero(), "publish should stamp the time")
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	// A subscriber with a single slot that nobody reads.
	_, cancel := bus.Subscribe(context.Background(), 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(events.Event{Type: events.ProducerCreated})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	stats := bus.Stats()
	require.Equal(t, 1, stats.Subscribers)
	assert.NotZero(t, stats.Dropped, "overflow should be counted, not waited out")
}

func TestCancelDetachesSubscriber(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	ch, cancel := bus.Subscribe(context.Background(), 1)
	cancel()

	bus.Publish(events.Event{Type: events.ServerStarted})

	select {
	case ev := <-ch:
		t.Fatalf("detached subscriber still received %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Zero(t, bus.Stats().Subscribers)
}

func TestContextCancellationUnsubscribes(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = bus.Subscribe(ctx, 1)
	cancel()

	assert.Eventually(t, func() bool {
		return bus.Stats().Subscribers == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCancelReleasesWatcher(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := events.NewBus()
	defer bus.Shutdown()

	// The ctx never fires; the cancel func alone must be enough to let the
	// watcher goroutine go, and calling it twice is fine.
	_, cancel := bus.Subscribe(context.Background(), 1)
	cancel()
	cancel()
}

func TestPublishAfterShutdownIsNoop(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(context.Background(), 1)
	defer cancel()

	bus.Shutdown()
	bus.Publish(events.Event{Type: events.ServerError})

	select {
	case ev := <-ch:
		t.Fatalf("received %v after shutdown", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
