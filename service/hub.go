package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"

	"github.com/lai/datagate/telemetry"
)

// WSMessage is the frame pushed to stream clients.
type WSMessage struct {
	Type    string `json:"type"` // "position" or "error"
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client is one connected stream subscriber.
type Client struct {
	conn *websocket.Conn
	key  string
	send chan []byte
}

// Hub fans cache updates out to websocket clients grouped by asset key.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
	}
}

// ServeWS handles GET /ws/asset/{name}.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	key := telemetry.NormalizeKey(mux.Vars(r)["name"])
	if key == "" {
		writeError(w, http.StatusBadRequest, "asset name required")
		return
	}

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		client := &Client{
			conn: conn,
			key:  key,
			send: make(chan []byte, 256),
		}

		h.register(client)
		defer h.unregister(client)

		slog.Info("stream client connected", "asset", key, "remote", conn.Request().RemoteAddr)

		go func() {
			for msg := range client.send {
				if _, err := conn.Write(msg); err != nil {
					return
				}
			}
		}()

		// Reads only detect the close.
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	wsHandler.ServeHTTP(w, r)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.key] == nil {
		h.clients[c.key] = make(map[*Client]bool)
	}
	h.clients[c.key][c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[c.key]; ok {
		if clients[c] {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.clients, c.key)
		}
	}
	slog.Info("stream client disconnected", "asset", c.key)
}

// Broadcast sends msg to every client of key. Slow clients drop frames.
func (h *Hub) Broadcast(key string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[key] {
		select {
		case client.send <- data:
		default:
			slog.Warn("client buffer full", "asset", key)
		}
	}
}

// OnPosition is a PositionCache listener.
func (h *Hub) OnPosition(key string, pos CachedPosition) {
	h.Broadcast(key, WSMessage{Type: "position", Data: pos})
}

// Subscribers returns the number of clients watching key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// CloseAll closes every connection. Each client's handler then unregisters it.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.clients {
		for client := range clients {
			client.conn.Close()
		}
	}
}
