package websocket

import (
	"sync"

	"glance/pkg/logger"
)

// Hub maintains the set of active clients and routes published messages.
//
// A client that has not subscribed to anything receives every message. Once
// it subscribes it only receives messages for its topics and untopiced
// broadcasts.
type Hub struct {
	clients map[*Client]bool
	topics  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stop       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	onCount func(int)
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stop:       make(chan struct{}),
	}
}

// OnClientCount registers fn to receive the client count after every
// connect and disconnect.
func (h *Hub) OnClientCount(fn func(int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCount = fn
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.topics = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n, fn := len(h.clients), h.onCount
			h.mu.Unlock()
			if fn != nil {
				fn(n)
			}
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for topic := range client.topics {
					h.dropLocked(client, topic)
				}
			}
			n, fn := len(h.clients), h.onCount
			h.mu.Unlock()
			if fn != nil {
				fn(n)
			}
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if msg.Topic != "" && len(client.topics) > 0 && !client.topics[msg.Topic] {
					continue
				}
				select {
				case client.send <- msg.Data:
				default:
					// Client buffer full, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run and closes every client's send channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Subscribe adds topic to a client's subscriptions.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.topics[topic] = true
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true

	logger.Debug().
		Str("client_id", client.id).
		Str("topic", topic).
		Msg("Client subscribed")
}

// Unsubscribe removes topic from a client's subscriptions.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.topics, topic)
	h.dropLocked(client, topic)

	logger.Debug().
		Str("client_id", client.id).
		Str("topic", topic).
		Msg("Client unsubscribed")
}

func (h *Hub) dropLocked(client *Client, topic string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish queues data for clients interested in topic. It never blocks on
// slow clients; it only blocks when the hub's queue is full.
func (h *Hub) Publish(topic string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{Topic: topic, Data: data}:
	case <-h.stop:
	}
}

// PublishTyped encodes a typed message and publishes it.
func (h *Hub) PublishTyped(messageType, topic string, payload any) error {
	data, err := NewMessage(messageType, topic, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", messageType).Msg("Failed to marshal broadcast message")
		return err
	}
	h.Publish(topic, data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
