package api

import (
	"encoding/json"
	"log/slog"
)

// subscriberBuffer is each stream client's queue depth. A client this
// far behind gets dropped rather than allowed to stall the fan-out.
const subscriberBuffer = 64

// Hub fans engine events out to the /api/events subscribers.
type Hub struct {
	subscribers map[chan []byte]struct{}
	register    chan chan []byte
	unregister  chan chan []byte
	broadcast   chan []byte
	quit        chan struct{}
	logger      *slog.Logger
}

// NewHub creates an empty hub. Run must be started before clients attach.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan []byte]struct{}),
		register:    make(chan chan []byte),
		unregister:  make(chan chan []byte),
		broadcast:   make(chan []byte, 256),
		quit:        make(chan struct{}),
		logger:      logger.With("component", "event-hub"),
	}
}

// Run owns the subscriber set (should be called in a goroutine). It exits
// when Stop is called, closing every subscriber queue on the way out.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.subscribers[sub] = struct{}{}
			h.logger.Info("stream client connected", "count", len(h.subscribers))

		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub)
			}
			h.logger.Info("stream client disconnected", "count", len(h.subscribers))

		case msg := <-h.broadcast:
			for sub := range h.subscribers {
				select {
				case sub <- msg:
				default:
					// Client can't keep up, drop it.
					delete(h.subscribers, sub)
					close(sub)
				}
			}

		case <-h.quit:
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub)
			}
			return
		}
	}
}

// Stop ends the run loop and disconnects every client so the HTTP server
// can drain its connections.
func (h *Hub) Stop() {
	close(h.quit)
}

// Subscribe attaches a stream client and returns its queue. After Stop
// the returned queue is already closed.
func (h *Hub) Subscribe() chan []byte {
	sub := make(chan []byte, subscriberBuffer)
	select {
	case h.register <- sub:
	case <-h.quit:
		close(sub)
	}
	return sub
}

// Unsubscribe detaches a client. Safe to call after the hub already
// dropped it.
func (h *Hub) Unsubscribe(sub chan []byte) {
	select {
	case h.unregister <- sub:
	case <-h.quit:
	}
}

// BroadcastEvent queues an event for every subscriber.
func (h *Hub) BroadcastEvent(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, dropping event")
	}
}
