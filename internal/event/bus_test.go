package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Kind: RecordDirty, PairID: "p1", Path: "a.txt"})

	select {
	case e := <-ch:
		assert.Equal(t, RecordDirty, e.Kind)
		assert.Equal(t, "a.txt", e.Path)
		assert.False(t, e.Time.IsZero())
	default:
		t.Fatal("expected an event")
	}
}

func TestBusNeverBlocks(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: SyncStarted})
	}
	assert.Equal(t, uint64(4), bus.Dropped())
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
	bus.Publish(Event{Kind: SyncStarted})
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Kind: SyncStarted})
}
