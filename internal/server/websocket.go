package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"stackup/internal/engine"
	"stackup/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	clientBuffer = 64
	backlogSize  = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// Allow connections without origin header (e.g., CLI tools)
		if origin == "" {
			return true
		}

		allowedOrigins := []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
			"http://[::1]",
			"https://[::1]",
		}
		for _, allowed := range allowedOrigins {
			if strings.HasPrefix(origin, allowed) {
				return true
			}
		}

		logger.WithFields(logger.Fields{
			"origin": origin,
			"remote": r.RemoteAddr,
		}).Warn("WebSocket connection rejected - invalid origin")

		return false
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans engine events out to websocket subscribers. It implements
// engine.Observer. Events of the current run are kept so late subscribers
// can catch up.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	backlog []engine.Event
	closed  bool
}

type client struct {
	send chan engine.Event
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Observe implements engine.Observer. Slow subscribers are dropped rather
// than blocking the run.
func (h *Hub) Observe(e engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.Type == engine.EventRunStarted {
		h.backlog = h.backlog[:0]
	}
	if len(h.backlog) == backlogSize {
		h.backlog = append(h.backlog[:0], h.backlog[1:]...)
	}
	h.backlog = append(h.backlog, e)

	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			logger.Warn("Dropping slow event subscriber")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) subscribe() (*client, []engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &client{
		send: make(chan engine.Event, clientBuffer),
		done: make(chan struct{}),
	}
	if h.closed {
		c.close()
		return c, nil
	}
	h.clients[c] = struct{}{}
	return c, append([]engine.Event(nil), h.backlog...)
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.close()
}

// handleEvents godoc
// @Summary Stream engine events
// @Tags events
// @Success 101 {string} string "Switching Protocols"
// @Router /api/events [get]
func (s *Server) handleEvents(c echo.Context) error {
	if s.deps.Hub == nil {
		return unavailable("event stream")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return nil
	}
	defer ws.Close()

	sub, backlog := s.deps.Hub.subscribe()
	defer s.deps.Hub.unsubscribe(sub)

	go readPump(ws, sub)

	for _, e := range backlog {
		if err := writeEvent(ws, e); err != nil {
			return nil
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-sub.send:
			if err := writeEvent(ws, e); err != nil {
				return nil
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-sub.done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func writeEvent(ws *websocket.Conn, e engine.Event) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(e)
}

// readPump consumes control frames and ends the subscription when the peer goes away
func readPump(ws *websocket.Conn, sub *client) {
	defer sub.close()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debug("WebSocket read error")
			}
			return
		}
	}
}
