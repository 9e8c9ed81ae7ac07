package event

import (
	"strings"
	"sync"
)

// Hub routes events to per-session subscribers. Slow subscribers lose events
// rather than blocking the turn.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Event
	nextID      uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[uint64]chan Event),
	}
}

// Subscribe returns a channel of events for sessionID and a cancel function
// that closes it.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[sessionID]; !exists {
		h.subscribers[sessionID] = make(map[uint64]chan Event)
	}
	h.subscribers[sessionID][subID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[sessionID]
		if !ok {
			return
		}
		sub, exists := subs[subID]
		if !exists {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
		close(sub)
	}

	return ch, cancel
}

// Emit implements Sink by publishing to the event's session.
func (h *Hub) Emit(e Event) {
	h.Publish(e.SessionID, e)
}

// Publish delivers evt to every subscriber of sessionID without blocking.
func (h *Hub) Publish(sessionID string, evt Event) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}

	h.mu.RLock()
	subs := h.subscribers[sessionID]
	for _, sub := range subs {
		select {
		case sub <- evt:
		default:
		}
	}
	h.mu.RUnlock()
}

// SubscriberCount returns the number of live subscriptions for sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
