package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe(nil)

	for i := 0; i < 5; i++ {
		b.Publish(Event{RequestID: 1, Stage: "gnss_verify", Status: StatusStarted, Message: string(rune('a' + i))})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, string(rune('a'+i)), ev.Message)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestFilterRestrictsToOneRequest(t *testing.T) {
	b := New(8)
	defer b.Close()

	want := uint64(7)
	sub := b.Subscribe(&want)

	b.Publish(Event{RequestID: 3, Stage: "consensus", Status: StatusCompleted})
	b.Publish(Event{RequestID: 7, Stage: "consensus", Status: StatusCompleted})

	select {
	case ev := <-sub.C:
		assert.Equal(t, uint64(7), ev.RequestID)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event for request %d", ev.RequestID)
	default:
	}
}

func TestSetFilterNarrowsExistingSubscription(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe(nil)
	b.SetFilter(sub.ID, 42)

	b.Publish(Event{RequestID: 1, Stage: "request", Status: StatusStarted})
	b.Publish(Event{RequestID: 42, Stage: "request", Status: StatusStarted})

	ev := <-sub.C
	assert.Equal(t, uint64(42), ev.RequestID)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(2)
	defer b.Close()

	slow := b.Subscribe(nil)

	// Overflow the subscriber's buffer without draining it.
	for i := 0; i < 3; i++ {
		b.Publish(Event{RequestID: 1, Stage: "request", Status: StatusStarted})
	}

	assert.Equal(t, 0, b.SubscriberCount())

	// The dropped subscriber's channel is closed after the buffered events.
	drained := 0
	for range slow.C {
		drained++
	}
	assert.Equal(t, 2, drained)

	// A fresh subscriber still receives.
	fresh := b.Subscribe(nil)
	b.Publish(Event{RequestID: 2, Stage: "request", Status: StatusStarted})
	select {
	case <-fresh.C:
	case <-time.After(time.Second):
		t.Fatal("bus stopped delivering after a drop")
	}
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(nil)
	b.Close()

	_, open := <-sub.C
	assert.False(t, open)

	late := b.Subscribe(nil)
	_, open = <-late.C
	assert.False(t, open)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe(nil)
	b.Publish(Event{RequestID: 1, Stage: "request", Status: StatusStarted})

	ev := <-sub.C
	assert.False(t, ev.Timestamp.IsZero())
}
