package api

import (
	"sync"

	"github.com/xyths/ganymede/event"
)

const clientBuffer = 64

// Hub is the operator event sink: it remembers the last events for replay and
// fans new ones out to websocket clients. A client that cannot keep up loses
// events rather than slowing the bot down.
type Hub struct {
	ring *event.Ring

	mu      sync.Mutex
	clients map[chan event.Event]struct{}
	dropped uint64
}

func NewHub(size int) *Hub {
	return &Hub{
		ring:    event.NewRing(size),
		clients: make(map[chan event.Event]struct{}),
	}
}

func (h *Hub) Publish(e event.Event) {
	h.ring.Publish(e)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c <- e:
		default:
			h.dropped++
		}
	}
}

// Recent returns the remembered events, oldest first.
func (h *Hub) Recent() []event.Event {
	return h.ring.Events()
}

func (h *Hub) subscribe() (<-chan event.Event, func()) {
	c := make(chan event.Event, clientBuffer)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c, func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped counts events a slow client did not receive.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
