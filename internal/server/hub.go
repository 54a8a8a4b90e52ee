package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/types"
)

const (
	writeWait      = config.StreamWriteWait
	pongWait       = config.StreamPongWait
	pingPeriod     = config.StreamPingPeriod
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans server status updates out to every connected stream client
type Hub struct {
	logger     *zap.Logger
	clients    map[*hubClient]struct{}
	mu         sync.RWMutex
	register   chan *hubClient
	unregister chan *hubClient
	stopChan   chan struct{}
	stopOnce   sync.Once
}

type hubClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
}

// NewHub creates a hub and starts its registration loop
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		logger:     logger,
		clients:    make(map[*hubClient]struct{}),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		stopChan:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Stream client registered",
				zap.String("user_id", c.userID),
				zap.Int("total_clients", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Stream client unregistered", zap.Int("total_clients", total))

		case <-h.stopChan:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*hubClient]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every client connection and ends the registration loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Clients returns the number of connected stream clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends update to every client. Slow clients drop the update rather than
// stalling the store.
func (h *Hub) Broadcast(update api.StatusUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("Failed to marshal status update", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Stream send buffer full, dropping update",
				zap.String("user_id", c.userID),
				zap.String("server_id", update.ServerID))
		}
	}
}

// handleStream authenticates the bearer token and upgrades to a websocket
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.backendFor(r).CurrentUser(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	userID, _ := s.store.UserForToken(bearerToken(r))

	select {
	case <-s.hub.stopChan:
		s.writeError(w, types.NewError(types.KindUpstreamUnavailable, "Server is shutting down"))
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade stream connection", zap.Error(err))
		return
	}

	c := &hubClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    s.hub,
		userID: userID,
	}
	select {
	case s.hub.register <- c:
	case <-s.hub.stopChan:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains client frames so pongs and close frames are processed
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Stream read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards queued updates and keeps the connection alive with pings
func (c *hubClient) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("Stream write error", zap.Error(err))
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

// responseWriter captures the status code for request logging
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.headerWritten {
		rw.statusCode = code
		rw.headerWritten = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
