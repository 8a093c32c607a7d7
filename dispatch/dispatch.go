package dispatch

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/types"
)

const sessionBuffer = 64

// Session : one authenticated client connection. Outbound frames are queued
// on Send; the transport drains it. Closed is closed exactly once when the
// session is deregistered.
type Session struct {
	ID        string
	AccountID int64
	Send      chan types.Push
	Closed    chan struct{}

	mutex sync.Mutex
	subs  map[string]bool
}

func (session *Session) key(resourceType string, resourceID string) string {
	return resourceType + ":" + resourceID
}

// Subscribed : whether this session is subscribed to a resource
func (session *Session) Subscribed(resourceType string, resourceID string) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.subs[session.key(resourceType, resourceID)]
}

// Registry : tracks live sessions and routes bus events to the ones
// subscribed to each resource. Delivery to any one session never blocks
// delivery to the rest.
type Registry struct {
	Logger   log.Logger
	mutex    sync.RWMutex
	sessions map[string]*Session
	// routes maps "resourceType:resourceID" to the set of session ids
	routes map[string]map[string]bool
}

// NewRegistry : create an empty session registry
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		Logger:   logger,
		sessions: map[string]*Session{},
		routes:   map[string]map[string]bool{},
	}
}

// Register : create a session. An authenticated session is implicitly
// subscribed to its own account's events.
func (registry *Registry) Register(accountID int64) *Session {
	session := &Session{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Send:      make(chan types.Push, sessionBuffer),
		Closed:    make(chan struct{}),
		subs:      map[string]bool{},
	}
	registry.mutex.Lock()
	registry.sessions[session.ID] = session
	registry.mutex.Unlock()
	if accountID != 0 {
		registry.Subscribe(session.ID, types.ResourceAccount, strconv.FormatInt(accountID, 10))
	}
	return session
}

// Deregister : remove a session and all of its routes. Idempotent; frames
// already queued on Send are discarded with the channel.
func (registry *Registry) Deregister(sessionID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	session, ok := registry.sessions[sessionID]
	if !ok {
		return
	}
	delete(registry.sessions, sessionID)
	for key, members := range registry.routes {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(registry.routes, key)
		}
	}
	close(session.Closed)
}

// Subscribe : add a session to a resource's route. Subscribing twice to the
// same resource is a no-op; no duplicate delivery results.
func (registry *Registry) Subscribe(sessionID string, resourceType string, resourceID string) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	session, ok := registry.sessions[sessionID]
	if !ok {
		return types.ErrNotFound
	}
	key := resourceType + ":" + resourceID
	if registry.routes[key] == nil {
		registry.routes[key] = map[string]bool{}
	}
	registry.routes[key][sessionID] = true
	session.mutex.Lock()
	session.subs[key] = true
	session.mutex.Unlock()
	return nil
}

// Unsubscribe : remove a session from a resource's route. Unsubscribing from
// a resource never subscribed to is a no-op.
func (registry *Registry) Unsubscribe(sessionID string, resourceType string, resourceID string) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	session, ok := registry.sessions[sessionID]
	if !ok {
		return types.ErrNotFound
	}
	key := resourceType + ":" + resourceID
	if members, exists := registry.routes[key]; exists {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(registry.routes, key)
		}
	}
	session.mutex.Lock()
	delete(session.subs, key)
	session.mutex.Unlock()
	return nil
}

// SessionCount : number of live sessions
func (registry *Registry) SessionCount() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.sessions)
}

// Run : consume a bus handle and route each event until the handle closes
func (registry *Registry) Run(handle *bus.Handle) {
	for event := range handle.C {
		registry.Route(event)
	}
}

// Route : deliver an event to every session subscribed to its resource or to
// the owning account. Each subscribed session receives the frame at most
// once; a session with a full buffer loses the frame rather than blocking.
func (registry *Registry) Route(event types.Event) {
	keys := routeKeys(event)
	push := types.Push{Type: event.Kind, Data: event.Data}

	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	delivered := map[string]bool{}
	for _, key := range keys {
		for sessionID := range registry.routes[key] {
			if delivered[sessionID] {
				continue
			}
			delivered[sessionID] = true
			session := registry.sessions[sessionID]
			if session == nil {
				continue
			}
			select {
			case session.Send <- push:
			default:
				registry.Logger.Error(fmt.Sprintf("session %s send buffer full, dropping %s", sessionID, event.Kind))
			}
		}
	}
}

func routeKeys(event types.Event) []string {
	keys := []string{event.ResourceType + ":" + event.ResourceID}
	if payload, ok := event.Data.(types.PaymentEventPayload); ok {
		if payload.AccountID != 0 {
			keys = append(keys, types.ResourceAccount+":"+strconv.FormatInt(payload.AccountID, 10))
		}
		if payload.InvoiceUID != "" && event.ResourceType != types.ResourceInvoice {
			keys = append(keys, types.ResourceInvoice+":"+payload.InvoiceUID)
		}
		if payload.Payment.Address != "" {
			keys = append(keys, types.ResourceAddress+":"+payload.Payment.Address)
		}
	}
	return keys
}
