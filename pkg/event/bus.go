// Package event implements the in-process event bus. Events carry an
// envelope with metadata and fan out to subscribers without blocking
// the publisher. Two scopes exist: service-level (process-wide) and
// session-level (keyed by session id).
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types emitted by the runtime.
const (
	TypeThinking            = "llm:thinking"
	TypeResponseStarted     = "llm:responseStarted"
	TypeResponseCompleted   = "llm:responseCompleted"
	TypeResponseError       = "llm:responseError"
	TypeToolExecuted        = "tool:executed"
	TypeToolFailed          = "tool:failed"
	TypeMemoryOperation     = "memory:operation"
	TypeMemoryOpFailed      = "memory:operationFailed"
	TypeMemorySearch        = "memory:search"
	TypeReflectionStored    = "reflection:stored"
	TypeReflectionFailed    = "reflection:failed"
	TypeSessionInitialized  = "session:initialized"
	TypeSessionDisconnected = "session:disconnected"
)

// Metadata is the envelope metadata attached to every event.
type Metadata struct {
	Timestamp      time.Time      `json:"timestamp"`
	SessionID      string         `json:"sessionId,omitempty"`
	Source         string         `json:"source,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	EventManagerID string         `json:"eventManagerId,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Event is a single bus message.
type Event struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Data     any      `json:"data,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Handler consumes a single event. Handlers must not block: fan-out is
// asynchronous but slow handlers delay their own queue.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is the process event bus.
type Bus struct {
	id string

	mu       sync.RWMutex
	service  map[string][]subscription            // type -> handlers
	sessions map[string]map[string][]subscription // sessionID -> type -> handlers
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		id:       uuid.NewString(),
		service:  make(map[string][]subscription),
		sessions: make(map[string]map[string][]subscription),
	}
}

// Subscribe registers a service-level handler for an event type and
// returns an unsubscribe token.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: uuid.NewString(), handler: handler}
	b.service[eventType] = append(b.service[eventType], sub)
	return sub.id
}

// SubscribeSession registers a handler scoped to a session id.
func (b *Bus) SubscribeSession(sessionID, eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	byType, ok := b.sessions[sessionID]
	if !ok {
		byType = make(map[string][]subscription)
		b.sessions[sessionID] = byType
	}
	sub := subscription{id: uuid.NewString(), handler: handler}
	byType[eventType] = append(byType[eventType], sub)
	return sub.id
}

// Unsubscribe removes a handler by token from both scopes.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.service {
		b.service[eventType] = removeSub(subs, token)
	}
	for _, byType := range b.sessions {
		for eventType, subs := range byType {
			byType[eventType] = removeSub(subs, token)
		}
	}
}

// DropSession removes all handlers scoped to a session id.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Emit publishes an event. The envelope id, timestamp, and bus id are
// filled in when absent. Delivery is asynchronous; Emit never blocks
// on subscribers.
func (b *Bus) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now()
	}
	if evt.Metadata.EventManagerID == "" {
		evt.Metadata.EventManagerID = b.id
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, 4)
	for _, sub := range b.service[evt.Type] {
		handlers = append(handlers, sub.handler)
	}
	if evt.Metadata.SessionID != "" {
		if byType, ok := b.sessions[evt.Metadata.SessionID]; ok {
			for _, sub := range byType[evt.Type] {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked", "type", evt.Type, "panic", r)
				}
			}()
			h(evt)
		}(handler)
	}
}

// EmitSession is shorthand for emitting an event tagged with a session id.
func (b *Bus) EmitSession(sessionID, eventType string, data any) {
	b.Emit(Event{
		Type: eventType,
		Data: data,
		Metadata: Metadata{
			SessionID: sessionID,
		},
	})
}

func removeSub(subs []subscription, token string) []subscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub.id != token {
			out = append(out, sub)
		}
	}
	return out
}
