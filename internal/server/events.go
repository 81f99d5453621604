package server

import (
	"sync"

	"github.com/pvanvliet16/jentrata-VIB/pkg/msh"
)

// EventHub fans message service handler events out to event-stream
// subscribers. Its Publish method is an msh.EventHandler.
type EventHub struct {
	mu     sync.Mutex
	subs   map[chan msh.Event]struct{}
	buffer int
}

// NewEventHub creates a hub whose subscribers buffer up to buffer events.
func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 16
	}
	return &EventHub{subs: make(map[chan msh.Event]struct{}), buffer: buffer}
}

// Publish delivers evt to every subscriber. Slow subscribers miss events
// rather than block the dispatcher.
func (h *EventHub) Publish(evt msh.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func must be
// called to release it.
func (h *EventHub) Subscribe() (<-chan msh.Event, func()) {
	ch := make(chan msh.Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
