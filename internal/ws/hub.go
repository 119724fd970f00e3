package ws

import (
	"encoding/json"
	"sync"

	"github.com/splax/foundry/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans lifecycle events out to watchers, keyed by environment ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with environment identifier.
type message struct {
	environmentID string
	payload       []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	environmentID string
	client        Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.environmentID]; !ok {
				h.clients[sub.environmentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.environmentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.environmentID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.environmentID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.environmentID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.environmentID)
				}
			}
		}
	}
}

// Register adds a client to an environment's event stream.
func (h *Hub) Register(environmentID string, client Subscriber) {
	h.register <- subscription{environmentID: environmentID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(environmentID string, client Subscriber) {
	h.unreg <- subscription{environmentID: environmentID, client: client}
}

// Broadcast delivers a lifecycle event to the environment's watchers.
// Events that fail to encode are dropped; the stream is best effort.
func (h *Hub) Broadcast(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.broadcast <- message{environmentID: event.EnvironmentID, payload: payload}
}
