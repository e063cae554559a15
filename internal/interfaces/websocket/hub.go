package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stewardflow/stewardflow/internal/domain/event"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // tighten for production deployments
	},
}

// Client is one connected WebSocket peer. The channel is server-push only:
// inbound frames are drained for control (ping) and otherwise ignored.
type Client struct {
	ClientID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	logger   *zap.Logger
}

// Hub is the per-client connection registry. One connection per client_id;
// a reconnect replaces the previous connection. Sends never block: a full
// buffer drops the event (at-most-once delivery).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

var _ event.Sink = (*Hub)(nil)

// Send implements event.Sink: push one event toward a client. Unknown
// clients and full buffers drop the event silently — a disconnected peer
// never affects trace progress.
func (h *Hub) Send(clientID string, ev event.Event) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("Client send buffer full, dropping event",
			zap.String("client_id", clientID),
			zap.String("event_type", string(ev.EventType)),
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client. Part of graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	if prev, ok := h.clients[client.ClientID]; ok {
		close(prev.send)
	}
	h.clients[client.ClientID] = client
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ClientID),
	)
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.ClientID]; ok && current == client {
		delete(h.clients, client.ClientID)
		close(client.send)
	}
	h.mu.Unlock()

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ClientID),
	)
}

// Handler upgrades HTTP requests into hub connections.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler creates the WebSocket upgrade handler.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeWS upgrades the connection and registers it under the client_id
// query parameter.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ClientID: clientID,
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h.hub,
		logger:   h.logger,
	}

	h.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames to keep the connection's control flow
// alive; the channel is otherwise server-push only.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
