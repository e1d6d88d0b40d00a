package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func drained(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestHubPublishWakesSubscribers(t *testing.T) {
	hub := NewHub()

	ch1, cancel1 := hub.Subscribe("jobs:c1:getOrder")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("jobs:c1:getOrder")
	defer cancel2()
	other, cancelOther := hub.Subscribe("jobs:c1:refund")
	defer cancelOther()

	hub.Publish("jobs:c1:getOrder")

	assert.True(t, drained(ch1))
	assert.True(t, drained(ch2))
	assert.False(t, drained(other))
}

func TestHubSignalsCoalesce(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("run:c1:r1")
	defer cancel()

	for i := 0; i < 5; i++ {
		hub.Publish("run:c1:r1")
	}

	// Many publishes, one wake.
	assert.True(t, drained(ch))
	assert.False(t, drained(ch))
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("run:c1:r1")
	cancel()

	hub.Publish("run:c1:r1")
	assert.False(t, drained(ch))
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("run:c1:r1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("run:c1:r1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}
