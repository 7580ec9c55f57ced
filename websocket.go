package ecsviewer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 5 * time.Second
	wsMaxMessageSize = 8 << 20
	wsMaxClients     = 64
)

var errClientClosed = errors.New("client closed")

// wsClient is one dashboard connection. Writes are serialized per client.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	if c == nil || c.conn == nil {
		return errClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// wsHub tracks connected dashboards and fans view updates out to them.
type wsHub struct {
	mu         sync.RWMutex
	clients    map[string]*wsClient
	maxClients int
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func newHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[string]*wsClient),
		maxClients: wsMaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is a browser extension page with its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *wsHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *wsHub) add(conn *websocket.Conn) (*wsClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		return nil, false
	}
	c := &wsClient{id: uuid.NewString(), conn: conn}
	h.clients[c.id] = c
	return c, true
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.logger.Debug("ws: client disconnected", "client", c.id)
	}
}

// broadcast sends data to every client. Clients that fail are dropped.
func (h *wsHub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.logger.Debug("ws: write failed", "client", c.id, "error", err)
			h.remove(c)
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		c.mu.Unlock()
		c.conn.Close()
	}
}

// envelope frames an outbound message the same way inbound ones are framed.
func envelope(method string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Method: method, Data: raw})
}

type wsDiagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

type wsError struct {
	Method string `json:"method"`
	Error  string `json:"error"`
}
