// Package eventbus is the in-process pub/sub backbone of a bot
// session. Participant churn, pacing triggers, and lifecycle signals
// all travel here; nothing on this bus leaves the process.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventParticipantJoined   EventType = "participant.joined"
	EventParticipantLeft     EventType = "participant.left"
	EventParticipantSnapshot EventType = "participant.snapshot"
	EventParticipantIdentity EventType = "participant.identity"
	EventRosterChanged       EventType = "roster.changed"
	EventGreetingRequest     EventType = "greeting.request"
	EventConvoWrapup         EventType = "convo.wrapup"
	EventConvoBeat           EventType = "convo.beat"
	EventAdminAck            EventType = "admin.ack"
	EventSessionEnd          EventType = "session.end"
)

// Event is a single bus message.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber receives events matching its filter.
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool // nil means all events
}

// Bus fans events out to subscribers. Publish never blocks: a
// subscriber whose channel is full loses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

// New creates a bus with the given per-subscriber buffer.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Subscriber is not keeping up; drop for it.
		}
	}
}

// Emit is shorthand for publishing a typed event with a data payload.
func (b *Bus) Emit(t EventType, source string, data map[string]interface{}) {
	b.Publish(&Event{Type: t, Source: source, Data: data})
}

// Subscribe registers a subscriber. An existing subscriber with the
// same ID is returned unchanged.
func (b *Bus) Subscribe(id string, filter func(*Event) bool) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		return sub
	}
	sub := &Subscriber{
		ID:      id,
		Channel: make(chan *Event, b.bufferSize),
		Filter:  filter,
	}
	b.subscribers[id] = sub
	return sub
}

// SubscribeTypes registers a subscriber for a fixed set of event types.
func (b *Bus) SubscribeTypes(id string, types ...EventType) *Subscriber {
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	return b.Subscribe(id, func(e *Event) bool { return want[e.Type] })
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.Channel)
	}
}

// Close removes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.Channel)
	}
}
