package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersBySession(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	all, cancelAll := b.Subscribe("")
	defer cancelAll()
	one, cancelOne := b.Subscribe("s1")
	defer cancelOne()

	b.Publish(Event{Type: EventProgress, SessionID: "s2", Payload: map[string]int{"progress": 30}})
	b.Publish(Event{Type: EventCompleted, SessionID: "s1"})

	require.Len(t, all, 2)
	require.Len(t, one, 1)

	var evt Event
	require.NoError(t, json.Unmarshal(<-one, &evt))
	assert.Equal(t, EventCompleted, evt.Type)
	assert.Equal(t, "s1", evt.SessionID)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ch, cancel := b.Subscribe("")
	defer cancel()
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventProgress, SessionID: "s"})
	}
	assert.Equal(t, cap(ch), len(ch))
}

func TestCleanupAndClose(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	_, cancel := b.Subscribe("")
	assert.Equal(t, 1, b.Subscribers())
	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())

	b.Close()
	b.Close()
	select {
	case <-b.Done():
	default:
		t.Fatal("broker should be closed")
	}
}
