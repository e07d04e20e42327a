package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventJobStarted, JobID: 7})

	select {
	case ev := <-sub:
		assert.Equal(t, EventJobStarted, ev.Type)
		assert.Equal(t, uint32(7), ev.JobID)
		assert.False(t, ev.Timestamp.IsZero(), "timestamp stamped on publish")
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	require.False(t, open, "unsubscribed channel closes")
}
