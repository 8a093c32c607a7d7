package bus

import (
	"fmt"
	"sync"

	"github.com/enriquebris/goconcurrentqueue"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

const defaultHandleBuffer = 256

// Handle : one subscriber's view of the bus. Events arrive on C in publish
// order. A handle that stops draining loses events rather than stalling the
// pump.
type Handle struct {
	ID string
	C  chan types.Event
}

// EventBus : process-wide fan-out of confirmation, invoice and price events.
// Publish never blocks the caller; a single pump goroutine drains the queue
// so per-resource ordering is preserved end to end.
type EventBus struct {
	Queue      goconcurrentqueue.Queue
	Logger     log.Logger
	handles    map[string]*Handle
	mutex      sync.RWMutex
	bufferSize int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewEventBus : create a bus and start its pump
func NewEventBus(logger log.Logger) *EventBus {
	bus := &EventBus{
		Queue:      goconcurrentqueue.NewFIFO(),
		Logger:     logger,
		handles:    map[string]*Handle{},
		bufferSize: util.GetEnvInt("PW_BUS_BUFFER", defaultHandleBuffer),
		stop:       make(chan struct{}),
	}
	go bus.pump()
	return bus
}

// envelope : an event paired with the handles registered when it was
// published. The snapshot fixes the subscription boundary: a handle only ever
// receives events published after its Subscribe returned.
type envelope struct {
	event      types.Event
	recipients []*Handle
}

// Publish : enqueue an event for delivery. Safe from any goroutine, never
// blocks on slow subscribers.
func (bus *EventBus) Publish(event types.Event) {
	bus.mutex.RLock()
	recipients := make([]*Handle, 0, len(bus.handles))
	for _, handle := range bus.handles {
		recipients = append(recipients, handle)
	}
	bus.mutex.RUnlock()
	util.LoggerError(bus.Logger, bus.Queue.Enqueue(envelope{event: event, recipients: recipients}))
}

// Subscribe : register a new handle receiving every published event
func (bus *EventBus) Subscribe(id string) *Handle {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	if existing, ok := bus.handles[id]; ok {
		return existing
	}
	handle := &Handle{
		ID: id,
		C:  make(chan types.Event, bus.bufferSize),
	}
	bus.handles[id] = handle
	return handle
}

// Unsubscribe : remove a handle and close its channel. Idempotent.
func (bus *EventBus) Unsubscribe(id string) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	if handle, ok := bus.handles[id]; ok {
		delete(bus.handles, id)
		close(handle.C)
	}
}

// Stop : shut down the pump. Events still queued are dropped.
func (bus *EventBus) Stop() {
	bus.stopOnce.Do(func() {
		close(bus.stop)
	})
}

func (bus *EventBus) pump() {
	for {
		item, err := bus.Queue.DequeueOrWaitForNextElement()
		if err != nil {
			select {
			case <-bus.stop:
				return
			default:
				util.LoggerError(bus.Logger, err)
				continue
			}
		}
		select {
		case <-bus.stop:
			return
		default:
		}
		env, ok := item.(envelope)
		if !ok {
			continue
		}
		bus.fanOut(env)
	}
}

func (bus *EventBus) fanOut(env envelope) {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	for _, handle := range env.recipients {
		// skip handles unsubscribed (or replaced under the same id) since
		// publish; their channels may already be closed
		if current, ok := bus.handles[handle.ID]; !ok || current != handle {
			continue
		}
		select {
		case handle.C <- env.event:
		default:
			bus.Logger.Error(fmt.Sprintf("subscriber %s buffer full, dropping %s for %s %s",
				handle.ID, env.event.Kind, env.event.ResourceType, env.event.ResourceID))
		}
	}
}
