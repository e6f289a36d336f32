package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
)

const (
	// WebSocket timeouts
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Server upgrades HTTP requests into registry connections
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader
}

// NewServer creates the realtime endpoint.
// An empty allowedOrigins (or "*") accepts any origin.
func NewServer(registry *Registry, allowedOrigins []string) *Server {
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// client pumps frames between one websocket and its registry connection.
// The write pump is the only writer on the socket.
type client struct {
	id       string
	registry *Registry
	conn     *websocket.Conn
	outbox   <-chan []byte
}

// ServeWS handles GET /ws
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	registered := s.registry.OnConnect(id)
	c := &client{
		id:       id,
		registry: s.registry,
		conn:     conn,
		outbox:   registered.Outbox(),
	}

	c.reply(dto.EventConnected, map[string]any{
		"clientId":  id,
		"timestamp": time.Now().UnixMilli(),
	})

	go c.writePump()
	go c.readPump()
}

// readPump dispatches client frames until the socket fails
func (c *client) readPump() {
	defer func() {
		c.registry.OnDisconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "error", err, "connection_id", c.id)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(message)
	}
}

func (c *client) handleFrame(message []byte) {
	var frame dto.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.replyError("invalid_frame", "frame must be a JSON object with an event name")
		return
	}

	switch frame.Event {
	case dto.EventSubscribePages:
		var req dto.SubscribePagesRequest
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				c.replyError("invalid_body", "pageIds must be an array of strings")
				return
			}
		}
		pages, err := c.registry.OnSubscribe(c.id, req.PageIDs)
		if err != nil {
			slog.Warn("Subscribe on removed connection", "connection_id", c.id, "error", err)
			return
		}
		c.reply(dto.EventPagesSubscribed, dto.SubscribePagesRequest{PageIDs: pages})

	case dto.EventPing:
		c.reply(dto.EventPong, map[string]int64{"timestamp": time.Now().UnixMilli()})

	default:
		c.replyError("unknown_event", "unsupported event: "+frame.Event)
	}
}

func (c *client) reply(event string, data any) {
	frame, err := dto.NewFrame(event, data)
	if err != nil {
		slog.Error("Failed to encode reply frame", "error", err, "event", event)
		return
	}
	c.registry.Send(c.id, frame)
}

func (c *client) replyError(code, message string) {
	c.reply(dto.EventError, dto.ErrorData{Code: code, Message: message})
}

// writePump sends queued frames, one websocket message each, and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Registry removed this connection
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.registry.Drop(c.id, ReasonWriteFailed)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.registry.Drop(c.id, ReasonWriteFailed)
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
