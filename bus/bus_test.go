package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

func collect(handle *Handle, n int, timeout time.Duration) []types.Event {
	events := []types.Event{}
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case event := <-handle.C:
			events = append(events, event)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestPublishOrdering(t *testing.T) {
	assert := assert.New(t)
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	handle := eventBus.Subscribe("orders")
	for i := 0; i < 10; i++ {
		eventBus.Publish(types.Event{Kind: types.EventPaymentConfirmed, ResourceID: fmt.Sprintf("inv_%d", i)})
	}
	events := collect(handle, 10, 2*time.Second)
	assert.Len(events, 10, "all published events should arrive")
	for i, event := range events {
		assert.Equal(fmt.Sprintf("inv_%d", i), event.ResourceID, "events should arrive in publish order")
	}
}

func TestFanOut(t *testing.T) {
	assert := assert.New(t)
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	first := eventBus.Subscribe("first")
	second := eventBus.Subscribe("second")
	eventBus.Publish(types.Event{Kind: types.EventInvoiceCreated, ResourceID: "inv_1"})
	assert.Len(collect(first, 1, 2*time.Second), 1, "first subscriber should receive the event")
	assert.Len(collect(second, 1, 2*time.Second), 1, "second subscriber should receive the event")
}

func TestSubscribeIdempotent(t *testing.T) {
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	first := eventBus.Subscribe("dup")
	second := eventBus.Subscribe("dup")
	assert.Equal(t, first, second, "subscribing twice with one id should return the same handle")
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	assert := assert.New(t)
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	// the slow handle keeps the default buffer and is never drained; the wide
	// one gets a buffer big enough to hold the whole burst
	total := defaultHandleBuffer + 50
	slow := eventBus.Subscribe("slow")
	eventBus.bufferSize = total
	wide := eventBus.Subscribe("wide")
	for i := 0; i < total; i++ {
		eventBus.Publish(types.Event{Kind: types.EventPriceUpdated, ResourceID: fmt.Sprintf("p%d", i)})
	}
	wideEvents := collect(wide, total, 5*time.Second)
	assert.Len(wideEvents, total, "draining subscriber should see every event despite the stalled one")
	slowEvents := collect(slow, total, 500*time.Millisecond)
	assert.Len(slowEvents, defaultHandleBuffer, "stalled subscriber should have dropped the overflow")
}

func TestSubscribeAfterPublishReceivesNothing(t *testing.T) {
	assert := assert.New(t)
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	eventBus.Publish(types.Event{Kind: types.EventPriceUpdated, ResourceID: "BTC/USD"})
	late := eventBus.Subscribe("late")
	eventBus.Publish(types.Event{Kind: types.EventInvoiceCreated, ResourceID: "inv_1"})
	events := collect(late, 2, time.Second)
	assert.Len(events, 1, "only events published after subscribing should arrive")
	assert.Equal(types.EventInvoiceCreated, events[0].Kind)
}

func TestResubscribeDoesNotReplay(t *testing.T) {
	assert := assert.New(t)
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	eventBus.Subscribe("flapper")
	eventBus.Publish(types.Event{Kind: types.EventPriceUpdated, ResourceID: "BTC/USD"})
	eventBus.Unsubscribe("flapper")
	fresh := eventBus.Subscribe("flapper")
	eventBus.Publish(types.Event{Kind: types.EventInvoiceCreated, ResourceID: "inv_1"})
	events := collect(fresh, 2, time.Second)
	assert.Len(events, 1, "a fresh subscription under the same id must not replay earlier events")
	assert.Equal("inv_1", events[0].ResourceID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	assert := assert.New(t)
	eventBus := NewEventBus(log.NewNopLogger())
	defer eventBus.Stop()
	handle := eventBus.Subscribe("gone")
	eventBus.Unsubscribe("gone")
	_, open := <-handle.C
	assert.False(open, "unsubscribed handle channel should be closed")
	eventBus.Unsubscribe("gone")
}
