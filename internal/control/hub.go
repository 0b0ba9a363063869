package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// MessageStatus is the first message on every feed connection; the data
// is a daemon.Status. Later messages carry daemon event types.
const MessageStatus = "status"

// Message is one entry of the live feed
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"time"`
}

// Hub maintains the set of feed clients and broadcasts messages to them
type Hub struct {
	logger zerolog.Logger

	// Owned by Run
	clients map[*wsClient]bool

	broadcast  chan Message
	register   chan *wsClient
	unregister chan *wsClient
}

// NewHub creates a new feed hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:     logger.With().Str("component", "feed").Logger(),
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan Message, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("Feed client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("Feed client disconnected")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow reader; it reconnects and gets a fresh status
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Publish queues a message for all clients. It never blocks; messages are
// dropped when the hub is saturated.
func (h *Hub) Publish(typ string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", typ).Msg("Failed to encode feed message")
		return
	}

	select {
	case h.broadcast <- Message{Type: typ, Data: raw, Time: time.Now()}:
	default:
		h.logger.Warn().Str("type", typ).Msg("Feed channel full, dropping message")
	}
}

func (h *Hub) add(ctx context.Context, c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) remove(ctx context.Context, c *wsClient) {
	select {
	case h.unregister <- c:
	case <-ctx.Done():
	}
}
