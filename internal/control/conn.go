package control

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// newUpgrader accepts same-origin requests, requests without an Origin
// (CLI, TUI) and the configured CORS origins
func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(origins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// wsClient is one feed connection
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	logger zerolog.Logger
}

func newWSClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *wsClient {
	return &wsClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, 32),
		logger: logger,
	}
}

// serve runs the pumps until the connection closes or ctx ends
func (c *wsClient) serve(ctx context.Context) {
	if !c.hub.add(ctx, c) {
		c.conn.Close()
		return
	}

	go c.writePump()
	c.readPump(ctx)
}

// readPump discards client input and detects closed connections
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(ctx, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("Feed read error")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Debug().Err(err).Msg("Feed write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
