package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: TaskQueued, TaskID: "t1"})

	select {
	case event := <-sub:
		assert.Equal(t, TaskQueued, event.Kind)
		assert.Equal(t, "t1", event.TaskID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published event")
	}
}

func TestBrokerFansOutToMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish(Event{Kind: TaskRunning, TaskID: "t2"})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case event := <-sub:
			assert.Equal(t, "t2", event.TaskID)
		case <-time.After(time.Second):
			t.Fatal("a subscriber missed the fan-out")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishDropsWhenSubscriberBufferIsFull(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 1000; i++ {
		b.Publish(Event{Kind: TaskProgress, TaskID: "flood"})
	}

	time.Sleep(50 * time.Millisecond)

	drained := 0
	for {
		select {
		case <-sub:
			drained++
		default:
			assert.Greater(t, drained, 0)
			assert.Less(t, drained, 1000, "a slow subscriber must not receive every published event")
			return
		}
	}
}

func TestPublishAfterStopIsDropped(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()

	b.Stop()
	b.Publish(Event{Kind: TaskCancelled, TaskID: "t3"})

	select {
	case <-sub:
		t.Fatal("no event should be delivered after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
