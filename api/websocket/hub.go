// Package websocket pushes document processing progress to connected
// clients. A single hub fans Redis progress events out to the sockets
// subscribed to each document.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lectern-ai/lectern/pkg/cache"
)

// Event is one progress payload addressed to a document's subscribers.
type Event struct {
	DocumentID string
	Payload    []byte
}

// Hub routes progress events to per-document subscriber sets.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	stop       chan struct{}

	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan Event, 64),
		stop:        make(chan struct{}),
		logger:      logger,
	}
}

// Run owns the subscriber map until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) Stop() { close(h.stop) }

// Publish queues one event for delivery. Drops the event if the hub is
// backed up; progress is advisory and the next event supersedes it.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn().Str("document_id", ev.DocumentID).Msg("progress event dropped, hub backlogged")
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[client.documentID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subscribers[client.documentID] = set
	}
	set[client] = struct{}{}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[client.documentID]
	if !ok {
		return
	}
	if _, present := set[client]; present {
		delete(set, client)
		close(client.send)
	}
	if len(set) == 0 {
		delete(h.subscribers, client.documentID)
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.subscribers[ev.DocumentID] {
		select {
		case client.send <- ev.Payload:
		default:
			// Slow consumer; drop this event for them rather than block
			// everyone else on the document.
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subscribers {
		for client := range set {
			close(client.send)
		}
	}
	h.subscribers = make(map[string]map[*Client]struct{})
}

// SubscriberCount reports how many sockets follow the document.
func (h *Hub) SubscriberCount(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[documentID])
}

// PumpRedis relays Redis progress messages into the hub until ctx is
// canceled. The channel name carries the document id.
func (h *Hub) PumpRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				h.logger.Warn().Msg("progress subscription closed")
				return
			}
			if !json.Valid([]byte(msg.Payload)) {
				h.logger.Warn().Str("channel", msg.Channel).Msg("malformed progress payload")
				continue
			}
			h.Publish(Event{
				DocumentID: cache.DocumentIDFromChannel(msg.Channel),
				Payload:    []byte(msg.Payload),
			})
		}
	}
}
