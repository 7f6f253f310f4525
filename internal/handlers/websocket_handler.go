package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler fans live usage events out to subscribed clients.
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	direct     chan directMessage
	stopped    chan struct{}
	logger     *slog.Logger
	count      atomic.Int64
	dropped    atomic.Int64
}

func NewWebSocketHandler(logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		direct:     make(chan directMessage),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

func (h *WebSocketHandler) HandleConnections(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	select {
	case h.register <- ws:
	case <-h.stopped:
		ws.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- ws:
		case <-h.stopped:
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handleClientMessages(ws)
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				h.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) handleClientMessages(ws *websocket.Conn) {
	for {
		var msg map[string]interface{}

		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var response map[string]interface{}
		switch msg["type"] {
		case "subscribe":
			response = map[string]interface{}{
				"type":      "subscribed",
				"message":   "Successfully subscribed to usage updates",
				"timestamp": time.Now().Unix(),
			}
		case "ping":
			response = map[string]interface{}{
				"type": "pong",
				"time": time.Now().Unix(),
			}
		default:
			response = map[string]interface{}{
				"type":      "error",
				"message":   "Unknown message type",
				"timestamp": time.Now().Unix(),
			}
		}
		// Replies go through the hub so that only one goroutine writes.
		h.send(ws, response)
	}
}

func (h *WebSocketHandler) send(ws *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.direct <- directMessage{conn: ws, data: data}:
	case <-h.stopped:
	}
}

type directMessage struct {
	conn *websocket.Conn
	data []byte
}

// RunHub owns the client set until ctx ends.
func (h *WebSocketHandler) RunHub(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
			}
			h.logger.Info("websocket hub stopped", "clients", len(h.clients))
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int64(len(h.clients)))
			}

		case msg := <-h.direct:
			if _, ok := h.clients[msg.conn]; ok {
				h.write(msg.conn, msg.data)
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				h.write(client, message)
			}
		}
	}
}

func (h *WebSocketHandler) write(client *websocket.Conn, message []byte) {
	client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		h.logger.Debug("websocket write failed", "error", err)
		client.Close()
		delete(h.clients, client)
		h.count.Store(int64(len(h.clients)))
	}
}

// Broadcast queues v for every client. A full queue drops the event.
func (h *WebSocketHandler) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

func (h *WebSocketHandler) Clients() int {
	return int(h.count.Load())
}

func (h *WebSocketHandler) Dropped() int64 {
	return h.dropped.Load()
}
