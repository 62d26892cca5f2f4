package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/geo"
)

// Inbound frame types
const (
	FrameJoin     = "join"
	FrameLeave    = "leave"
	FrameTyping   = string(events.KindTyping)
	FrameLocation = string(events.KindLocation)
	FrameError    = "error"
)

const (
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 54 * time.Second
	maxFrameSize         = 64 * 1024
	sendBufferSize       = 256
	maxMessagesPerMinute = 60
)

// Client is one physical connection of a user.
type Client struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Socket *websocket.Conn
	Send   chan []byte

	// rooms is guarded by the manager's mutex.
	rooms      map[uuid.UUID]struct{}
	registered chan struct{}
}

func newClient(user uuid.UUID, conn *websocket.Conn) *Client {
	return &Client{
		ID:     uuid.New(),
		UserID: user,
		Socket: conn,
		Send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[uuid.UUID]struct{}),

		registered: make(chan struct{}),
	}
}

// InboundFrame is a frame sent by a client.
type InboundFrame struct {
	Type     string    `json:"type"`
	ChatID   uuid.UUID `json:"chat_id"`
	IsTyping bool      `json:"is_typing,omitempty"`
	Lat      *float64  `json:"lat,omitempty"`
	Lng      *float64  `json:"lng,omitempty"`
	Accuracy float64   `json:"accuracy,omitempty"`
}

type errorPayload struct {
	Message string    `json:"message"`
	ChatID  uuid.UUID `json:"chat_id,omitempty"`
}

// HandleWebSocket upgrades an authenticated request and registers the
// connection with the gateway.
func (m *Manager) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		log.Warn("No userID in context, rejecting connection from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	userUUID, ok := userID.(uuid.UUID)
	if !ok {
		log.Error("Invalid UUID in context from %s", c.Request.RemoteAddr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user identification"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: %v", err)
		return
	}

	client := newClient(userUUID, conn)
	select {
	case m.register <- client:
		<-client.registered
	case <-m.done:
		conn.Close()
		return
	}

	go client.readPump(m)
	go client.writePump()
	log.Debug("Client %s ready for user %s", client.ID, userUUID)
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(m.allowedOrigins) == 0 || slices.Contains(m.allowedOrigins, "*") {
		return true
	}
	if slices.Contains(m.allowedOrigins, origin) {
		return true
	}
	log.Warn("Rejected websocket origin %s", origin)
	return false
}

// readPump reads client frames until the connection drops.
func (c *Client) readPump(m *Manager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
		c.Socket.Close()
	}()

	c.Socket.SetReadLimit(maxFrameSize)
	c.Socket.SetReadDeadline(time.Now().Add(pongWait))
	c.Socket.SetPongHandler(func(string) error {
		c.Socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	messageCount := 0
	windowStart := time.Now()

	for {
		_, data, err := c.Socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("Error reading from client %s: %v", c.ID, err)
			} else {
				log.Debug("Client %s closed connection: %v", c.ID, err)
			}
			return
		}

		if time.Since(windowStart) >= time.Minute {
			messageCount = 0
			windowStart = time.Now()
		}
		messageCount++
		if messageCount > maxMessagesPerMinute {
			log.Warn("Rate limit exceeded for client %s", c.ID)
			c.sendError(m, "rate limit exceeded", uuid.Nil)
			continue
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(m, "invalid frame format", uuid.Nil)
			continue
		}
		c.handleFrame(m, &frame)
	}
}

func (c *Client) handleFrame(m *Manager, f *InboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if f.ChatID == uuid.Nil {
		c.sendError(m, "chat_id is required", uuid.Nil)
		return
	}

	switch f.Type {
	case FrameJoin:
		if err := m.join(ctx, c, f.ChatID); err != nil {
			log.Debug("User %s may not join chat %s: %v", c.UserID, f.ChatID, err)
			c.sendError(m, "cannot join chat", f.ChatID)
		}

	case FrameLeave:
		m.leave(c, f.ChatID)

	case FrameTyping:
		if !m.inRoom(c, f.ChatID) {
			c.sendError(m, "join the chat first", f.ChatID)
			return
		}
		c.relay(ctx, m, f.ChatID, &events.TypingEvent{
			ChatID: f.ChatID, UserID: c.UserID, Typing: f.IsTyping, Timestamp: time.Now().UTC(),
		})

	case FrameLocation:
		if !m.inRoom(c, f.ChatID) {
			c.sendError(m, "join the chat first", f.ChatID)
			return
		}
		if f.Lat == nil || f.Lng == nil {
			c.sendError(m, "lat and lng are required", f.ChatID)
			return
		}
		pos := geo.Point{Lat: *f.Lat, Lng: *f.Lng}
		if err := pos.Validate(); err != nil {
			c.sendError(m, err.Error(), f.ChatID)
			return
		}
		c.relay(ctx, m, f.ChatID, &events.LocationEvent{
			ChatID: f.ChatID, UserID: c.UserID, Position: pos, Accuracy: f.Accuracy, Timestamp: time.Now().UTC(),
		})

	default:
		log.Warn("Unknown frame type '%s' from client %s", f.Type, c.ID)
		c.sendError(m, "unknown frame type", f.ChatID)
	}
}

// relay forwards an ephemeral signal; failures are dropped.
func (c *Client) relay(ctx context.Context, m *Manager, chatID uuid.UUID, e events.Event) {
	if err := m.broadcastRoom(ctx, chatID, c.ID, e); err != nil {
		log.Debug("Dropped %s from client %s: %v", e.Kind(), c.ID, err)
	}
}

func (c *Client) sendError(m *Manager, msg string, chatID uuid.UUID) {
	payload, _ := json.Marshal(errorPayload{Message: msg, ChatID: chatID})
	frame, _ := json.Marshal(events.Envelope{Type: FrameError, Payload: payload})
	m.sendTo(c, frame)
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel
				c.Socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Socket.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
