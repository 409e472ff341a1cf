// Package handlers provides HTTP request handlers for the stascan API.
// This file implements the WebSocket endpoint that streams station events:
// site updates, scan completions, SME state changes and link changes.
package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/station"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      station.Event `json:"data"`
}

// EventsHandler streams station events over WebSockets. Every connection
// holds its own broadcaster subscription; a slow reader loses events rather
// than stalling the station.
type EventsHandler struct {
	events   *station.Broadcaster
	logger   *logging.Logger
	metrics  metrics.MetricsRegistry
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewEventsHandler creates a new events handler. An empty origin list or
// "*" accepts every origin.
func NewEventsHandler(events *station.Broadcaster, origins []string, logger *logging.Logger, registry metrics.MetricsRegistry) *EventsHandler {
	h := &EventsHandler{
		events:  events,
		logger:  logging.OrDefault(logger).WithFields("handler", "websocket"),
		metrics: metrics.OrDefault(registry),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

// ServeEvents upgrades the connection and streams events until either side
// closes. The optional "types" query parameter filters by event type.
func (h *EventsHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	rid := requestID(r)
	filter := parseTypes(r.URL.Query().Get("types"))

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	ch, cancel := h.events.Subscribe()
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", rid, "error", err)
		return
	}
	if !h.register(conn) {
		_ = conn.Close()
		return
	}
	defer func() {
		h.unregister(conn)
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "request_id", rid, "error", err)
		}
	}()
	h.logger.Info("Events WebSocket connected", "request_id", rid, "remote_addr", r.RemoteAddr)

	done := make(chan struct{})
	go h.readPump(conn, done, rid)
	h.writePump(conn, ch, done, filter, rid)
}

// readPump drains client frames so control messages are processed, and
// closes done once the peer goes away.
func (h *EventsHandler) readPump(conn *websocket.Conn, done chan<- struct{}, rid string) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", rid, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *EventsHandler) writePump(conn *websocket.Conn, ch <-chan station.Event, done <-chan struct{}, filter map[string]bool, rid string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-ch:
			if !ok {
				// Station stopped.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "station stopped"),
					time.Now().Add(writeWait))
				return
			}
			if len(filter) > 0 && !filter[ev.Type] {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			msg := WebSocketMessage{Type: ev.Type, Timestamp: time.Now().UTC(), Data: ev}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", rid, "error", err)
				return
			}
			h.metrics.Counter("websocket_messages_sent_total", metrics.Labels{"type": ev.Type})

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", rid, "error", err)
				return
			}
		}
	}
}

func (h *EventsHandler) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *EventsHandler) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Connected returns the number of open connections.
func (h *EventsHandler) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every connection and refuses new ones.
func (h *EventsHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.conns {
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "error", err)
		}
	}
	h.logger.Info("WebSocket handler closed", "connections", len(h.conns))
	h.conns = make(map[*websocket.Conn]struct{})
	return nil
}

func parseTypes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	return out
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
