package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func publish(t *testing.T, hub *MemoryHub, planID, eventType string) {
	t.Helper()
	require.NoError(t, hub.Publish(context.Background(), ProgressEvent{
		PlanID:    planID,
		EventType: eventType,
	}))
}

func drain(ch <-chan ProgressEvent) []ProgressEvent {
	var events []ProgressEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

// --- publish/subscribe ---

func TestMemoryHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	publish(t, hub, "deploy", "plan_started")
	publish(t, hub, "deploy", "step_started")

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "plan_started", events[0].EventType)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestMemoryHub_FilterByPlanID(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{PlanID: "deploy"})
	require.NoError(t, err)
	defer cancel()

	publish(t, hub, "deploy", "plan_started")
	publish(t, hub, "other", "plan_started")

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "deploy", events[0].PlanID)
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{
		EventTypes: []string{"step_failed", "safety_rejected"},
	})
	require.NoError(t, err)
	defer cancel()

	publish(t, hub, "p", "step_started")
	publish(t, hub, "p", "step_failed")
	publish(t, hub, "p", "safety_rejected")

	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "step_failed", events[0].EventType)
	assert.Equal(t, "safety_rejected", events[1].EventType)
}

func TestMemoryHub_MultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ch1, cancel1, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	publish(t, hub, "p", "plan_started")

	assert.Len(t, drain(ch1), 1)
	assert.Len(t, drain(ch2), 1)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	publish(t, hub, "p", "before")
	cancel()
	publish(t, hub, "p", "after")

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "before", events[0].EventType)
}

func TestMemoryHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Publish never blocks, even past the channel buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultChannelBuffer*2; i++ {
			publish(t, hub, "p", "tick")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, drain(ch), defaultChannelBuffer)
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)

	err = hub.Publish(ctx, ProgressEvent{EventType: "tick"})
	require.Error(t, err)
}
