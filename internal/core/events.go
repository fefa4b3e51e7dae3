package core

import (
	"log/slog"
	"sync"
)

// Listener receives operation change events.
type Listener func(Event)

// Subscription identifies one registered listener.
type Subscription struct {
	id int
}

// Hub fans operation change events out to subscribers. Delivery is
// synchronous on the publishing goroutine; a panicking listener is recovered
// and logged so the remaining listeners still receive the event.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its subscription handle.
func (h *Hub) Subscribe(l Listener) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.listeners[h.nextID] = l
	return &Subscription{id: h.nextID}
}

// Unsubscribe removes a previously registered listener. Safe to call with a
// subscription that was already removed.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, sub.id)
}

// Publish delivers the event to every current subscriber.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	listeners := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.RUnlock()
	for _, l := range listeners {
		h.deliver(l, evt)
	}
}

func (h *Hub) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event listener panicked",
				"event_type", evt.Type, "operation_id", evt.Operation.ID, "panic", r)
		}
	}()
	l(evt)
}
