package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/scheduler"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(100 * time.Millisecond):
		require.FailNow(t, "timeout waiting for event")
		return nil
	}
}

func expectNothing(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		assert.Failf(t, "unexpected event", "%v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(10, TopicTask)

	bus.Publish(TopicTask, TaskStageEvent{
		ID:        "task-1",
		Title:     "Test Task",
		Stage:     scheduler.StatusGenerating,
		Timestamp: time.Now(),
	})

	received := receive(t, ch)
	assert.Equal(t, "task-1", received.TaskID())
	assert.Equal(t, EventTypeTaskStage, received.EventType())
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(10, TopicTask)
	ch2 := bus.Subscribe(10, TopicTask)

	bus.Publish(TopicTask, TaskFinishedEvent{
		ID:       "task-2",
		Status:   scheduler.StatusCompleted,
		Duration: 100 * time.Millisecond,
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		assert.Equal(t, "task-2", receive(t, ch).TaskID(), "subscriber %d", i+1)
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(1, TopicTask)

	done := make(chan struct{})
	go func() {
		for _i := 0; _i < 10; _i++ {
			bus.Publish(TopicTask, TaskStageEvent{ID: "task", Stage: scheduler.StatusRouting})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	receive(t, ch)
	assert.Equal(t, uint64(9), bus.Dropped())
}

// TestMultipleTopics verifies topic isolation and multi-topic subscriptions.
func TestMultipleTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(10, TopicTask)
	opsCh := bus.Subscribe(10, TopicHealth, TopicAlert)

	bus.Publish(TopicTask, TaskStageEvent{ID: "task-1"})
	bus.Publish(TopicHealth, HealthSampleEvent{Size: 2})
	bus.Publish(TopicAlert, AlertEvent{Kind: AlertStuckLease, Subject: "slot-1"})

	assert.Equal(t, EventTypeTaskStage, receive(t, taskCh).EventType())
	expectNothing(t, taskCh)

	assert.Equal(t, EventTypeHealthSample, receive(t, opsCh).EventType(), "health sample first")
	assert.Equal(t, EventTypeAlert, receive(t, opsCh).EventType(), "alert second")
	expectNothing(t, opsCh)
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskStageEvent{ID: "task-1"})
	bus.Publish(TopicAlert, AlertEvent{Kind: AlertPoolExhausted})

	types := map[string]bool{}
	for _i := 0; _i < 2; _i++ {
		types[receive(t, allCh).EventType()] = true
	}
	assert.Equal(t, map[string]bool{EventTypeTaskStage: true, EventTypeAlert: true}, types)
}

// TestUnsubscribe verifies the channel is closed and no longer receives.
func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(10, TopicTask, TopicAlert)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(ch)
	bus.Unsubscribe(all)
	bus.Publish(TopicTask, TaskStageEvent{ID: "task-1"})

	for _, c := range []<-chan Event{ch, all} {
		_, ok := <-c
		assert.False(t, ok, "channel is closed after Unsubscribe")
	}

	// Unknown channels are ignored.
	bus.Unsubscribe(make(chan Event))
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe(10, TopicTask, TopicHealth)
	bus.Close()
	bus.Close()

	received := 0
	for range ch {
		received++
	}
	assert.Zero(t, received)

	// Subscribing and publishing after close must not panic.
	late := bus.Subscribe(1, TopicTask)
	bus.Publish(TopicTask, TaskStageEvent{ID: "task-1"})
	_, ok := <-late
	assert.False(t, ok, "subscription after close is closed")
}

// TestNilBusPublish verifies a nil bus can be published to.
func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Publish(TopicTask, TaskStageEvent{ID: "task-1"})
	})
}
