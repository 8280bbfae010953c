package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/output"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 64
)

// Event is the frame pushed to websocket clients.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
}

// Hub fans bus events out to connected websocket clients. A client may
// watch one session or all of them.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes payload and queues it for every client watching its
// session. Slow clients whose buffer is full are disconnected.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn().Err(err).Str("event", eventType).Msg("cannot encode event")
		return
	}
	ev := Event{Type: eventType, SessionID: sessionOf(raw), Payload: raw}
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range h.clients {
		if c.sessionID != "" && c.sessionID != ev.SessionID {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("client", c.id).Msg("client buffer full, disconnecting")
		h.unregister(c)
	}
}

// sessionOf finds the session a bus payload belongs to: bridge mutations
// carry it in data.id, progress events in alert_id.
func sessionOf(raw []byte) string {
	var ids struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
		Progress struct {
			AlertID string `json:"alert_id"`
		} `json:"agent.timeline.updated"`
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return ""
	}
	if ids.Progress.AlertID != "" {
		return ids.Progress.AlertID
	}
	return ids.Data.ID
}

// ServeWS upgrades the request and streams events until the client goes
// away. The optional session_id query parameter narrows the stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		id:        uuid.NewString(),
		sessionID: r.URL.Query().Get("session_id"),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug().Str("client", c.id).Str("session_id", c.sessionID).Msg("client connected")

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump only services control frames; clients do not send commands.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

// ---------------------------------------------------------------------------
// Bus tap
// ---------------------------------------------------------------------------

// Tap wraps a bus publisher so that payloads sent to the watched subjects
// are also broadcast locally under the mapped event type. The local
// broadcast happens even when the bus publish fails.
func (h *Hub) Tap(next output.Publisher, events map[string]string) output.Publisher {
	return &tap{hub: h, next: next, events: events}
}

type tap struct {
	hub    *Hub
	next   output.Publisher
	events map[string]string
}

func (t *tap) Publish(ctx context.Context, subject string, payload interface{}) error {
	err := t.next.Publish(ctx, subject, payload)
	if ev, ok := t.events[subject]; ok {
		t.hub.Broadcast(ev, payload)
	}
	return err
}
