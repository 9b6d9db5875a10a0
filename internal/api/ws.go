package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans depth snapshots out to connected websocket clients.
type Hub struct {
	log       *zap.Logger
	clientsMu sync.RWMutex
	clients   map[*wsClient]bool
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*wsClient]bool)}
}

// HandleWS upgrades the connection and registers the client until it
// disconnects.
func (h *Hub) HandleWS(snapshot func() (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &wsClient{conn: conn}
		h.clientsMu.Lock()
		h.clients[client] = true
		h.clientsMu.Unlock()

		// Send initial snapshot
		if v, err := snapshot(); err == nil {
			if data, err := json.Marshal(v); err == nil {
				client.send(data)
			}
		}

		// Keep connection alive and handle disconnection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.clientsMu.Lock()
				delete(h.clients, client)
				h.clientsMu.Unlock()
				conn.Close()
				return
			}
		}
	}
}

// Broadcast sends one message to every connected client, dropping any
// client whose write fails.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	var dead []*wsClient
	h.clientsMu.RLock()
	for client := range h.clients {
		if err := client.send(data); err != nil {
			dead = append(dead, client)
		}
	}
	h.clientsMu.RUnlock()

	if len(dead) == 0 {
		return
	}
	h.clientsMu.Lock()
	for _, client := range dead {
		delete(h.clients, client)
		client.conn.Close()
	}
	h.clientsMu.Unlock()
}

// Run broadcasts snapshots on a fixed interval until the context ends.
func (h *Hub) Run(ctx context.Context, interval time.Duration, snapshot func() (any, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := snapshot()
			if err != nil {
				h.log.Warn("depth snapshot failed", zap.Error(err))
				continue
			}
			h.Broadcast(v)
		}
	}
}
