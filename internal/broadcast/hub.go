// Package broadcast implements the live progress fan-out for analysis
// sessions. The hub is a purely transient layer: it holds no durable
// state, and delivery is best-effort. A slow or dead subscriber is
// dropped silently and must never block or fail the pipeline.
package broadcast

import (
	"reflect"
	"sync"
	"time"
)

// EventType enumerates the message kinds carried over the live channel.
type EventType string

const (
	EventConnectionAck    EventType = "connection_ack"
	EventHeartbeat        EventType = "heartbeat"
	EventProgress         EventType = "progress"
	EventStageComplete    EventType = "stage_complete"
	EventPipelineComplete EventType = "pipeline_complete"
	EventError            EventType = "error"
	EventCancelAck        EventType = "cancel_ack"
)

// Event is one live progress message for a session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer bounds how far a reader may lag before it is dropped.
const subscriberBuffer = 50

// Hub is a pub/sub registry keyed by session id. Any number of
// subscribers may attach and detach at any time.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe attaches a new subscriber to a session's channel. The
// returned channel is buffered so emitters never block on it.
func (h *Hub) Subscribe(sessionID string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[sessionID] = append(h.subs[sessionID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe detaches and closes a subscriber channel.
func (h *Hub) Unsubscribe(sessionID string, ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()

	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[sessionID]
	for i, sub := range subs {
		if reflect.ValueOf(sub).Pointer() == target {
			h.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subs[sessionID]) == 0 {
		delete(h.subs, sessionID)
	}
}

// Publish delivers an event to every subscriber currently attached to
// the session. A subscriber whose buffer is full is removed and closed
// rather than blocking the publisher.
func (h *Hub) Publish(sessionID string, ev Event) {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sessionID]
	alive := subs[:0]
	for _, sub := range subs {
		select {
		case sub <- ev:
			alive = append(alive, sub)
		default:
			close(sub)
		}
	}
	if len(alive) == 0 {
		delete(h.subs, sessionID)
		return
	}
	h.subs[sessionID] = alive
}

// SubscriberCount reports how many subscribers a session currently has.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close shuts down the hub and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subs := range h.subs {
		for _, sub := range subs {
			close(sub)
		}
		delete(h.subs, id)
	}
}
