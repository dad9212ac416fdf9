package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	server *Server
}

// WSHub manages all WebSocket connections and fans reader events out to them.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client, drop it
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every client and ends Run. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish sends an event to every connected client. It never blocks once the hub is stopped.
func (h *WSHub) Publish(msgType string, payload interface{}) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		logging.Error(logging.CatWebSocket, "Failed to encode event", map[string]any{
			"type":  msgType,
			"error": err.Error(),
		})
		return
	}
	message, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})

	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    s.hub,
		server: s,
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
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
			if _, err := w.Write(message); err != nil {
				return
			}

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

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.sendResponse(msg.ID, "readers", c.server.Readers())
	case "list_scenarios":
		c.handleListScenarios(msg.ID)
	case "import_scenario":
		c.handleImportScenario(msg.ID, msg.Payload)
	case "select":
		c.handleSelect(msg.ID, msg.Payload)
	case "schedule":
		c.handleSchedule(msg.ID, msg.Payload)
	case "unschedule":
		c.handleUnschedule(msg.ID, msg.Payload)
	case "version":
		c.sendResponse(msg.ID, "version", map[string]interface{}{
			"version":   Version,
			"buildTime": BuildTime,
			"gitCommit": GitCommit,
		})
	case "health":
		c.sendResponse(msg.ID, "health", c.server.health())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// queue hands a message to the write pump. The hub may already have closed the channel
// when the client was dropped, in which case the message is discarded.
func (c *WSClient) queue(message []byte) {
	defer func() { _ = recover() }()
	c.send <- message
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.queue(responseBytes)
}

func (c *WSClient) handleListScenarios(id string) {
	list, err := c.server.store.List()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "scenarios", list)
}

func (c *WSClient) handleImportScenario(id string, payload json.RawMessage) {
	var req saveScenarioRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	info, err := c.server.saveScenario(req)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "scenario_saved", info)
}

type readerRequest struct {
	ReaderIndex int `json:"readerIndex"`
}

func (c *WSClient) handleSelect(id string, payload json.RawMessage) {
	var req struct {
		readerRequest
		SelectRequest
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rsp, err := c.server.Select(ctx, req.ReaderIndex, req.SelectRequest)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "selection", rsp)
}

func (c *WSClient) handleSchedule(id string, payload json.RawMessage) {
	var req struct {
		readerRequest
		ScheduleRequest
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	info, err := c.server.Schedule(req.ReaderIndex, req.ScheduleRequest)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "scheduled", info)
}

func (c *WSClient) handleUnschedule(id string, payload json.RawMessage) {
	var req readerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	if err := c.server.Unschedule(req.ReaderIndex); err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "unscheduled", map[string]interface{}{
		"readerIndex": req.ReaderIndex,
	})
}
