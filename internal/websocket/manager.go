package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/logger"
)

var log = logger.New("websocket")

// Authorizer decides whether a user may subscribe to a chat room.
type Authorizer interface {
	CanJoin(ctx context.Context, chatID, user uuid.UUID) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, chatID, user uuid.UUID) error

func (f AuthorizerFunc) CanJoin(ctx context.Context, chatID, user uuid.UUID) error {
	return f(ctx, chatID, user)
}

// relayFrame is what travels between gateway instances. Either Recipients
// or Room selects the local connections that receive Event.
type relayFrame struct {
	Recipients []uuid.UUID     `json:"recipients,omitempty"`
	Room       uuid.UUID       `json:"room,omitempty"`
	Origin     uuid.UUID       `json:"origin,omitempty"`
	Event      json.RawMessage `json:"event"`
}

// Manager is the realtime gateway. It owns the registry of live
// connections (user to connections) and the per-chat rooms.
type Manager struct {
	clients    map[uuid.UUID]map[*Client]struct{}
	rooms      map[uuid.UUID]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex

	auth           Authorizer
	broker         Broker
	allowedOrigins []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithBroker relays every push through b so that all gateway instances
// deliver to their own connections.
func WithBroker(b Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithAllowedOrigins restricts browser origins allowed to upgrade. An empty
// list or "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(m *Manager) { m.allowedOrigins = origins }
}

// NewManager creates a gateway that checks room joins with auth.
func NewManager(auth Authorizer, opts ...Option) *Manager {
	m := &Manager{
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		rooms:      make(map[uuid.UUID]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		auth:       auth,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run processes registrations until ctx is done, and consumes the relay
// when a broker is configured.
func (m *Manager) Run(ctx context.Context) {
	if m.broker != nil {
		go func() {
			if err := m.broker.Subscribe(ctx, m.handleRelay); err != nil && ctx.Err() == nil {
				log.Error("Relay subscription ended: %v", err)
			}
		}()
	}

	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case client := <-m.register:
			m.mutex.Lock()
			conns, ok := m.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]struct{})
				m.clients[client.UserID] = conns
			}
			conns[client] = struct{}{}
			log.Info("Client connected: user %s (connection %s, %d open)", client.UserID, client.ID, len(conns))
			m.mutex.Unlock()
			close(client.registered)
		case client := <-m.unregister:
			m.mutex.Lock()
			if m.remove(client) {
				log.Info("Client disconnected: user %s (connection %s)", client.UserID, client.ID)
			}
			m.mutex.Unlock()
		}
	}
}

// remove drops the client from the registry and every room. The caller
// holds the write lock.
func (m *Manager) remove(c *Client) bool {
	conns, ok := m.clients[c.UserID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(m.clients, c.UserID)
	}
	for chatID := range c.rooms {
		m.leaveLocked(c, chatID)
	}
	close(c.Send)
	return true
}

func (m *Manager) closeAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, conns := range m.clients {
		for c := range conns {
			m.remove(c)
		}
	}
}

// IsOnline reports whether the user has a live connection on this instance.
func (m *Manager) IsOnline(user uuid.UUID) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients[user]) > 0
}

// Connections returns how many live connections the user has.
func (m *Manager) Connections(user uuid.UUID) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients[user])
}

// Subscribers returns how many connections joined the chat room.
func (m *Manager) Subscribers(chatID uuid.UUID) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms[chatID])
}

// Deliver pushes e to every connection of every recipient. Only connections
// alive at this moment receive it; nothing is queued for later.
func (m *Manager) Deliver(ctx context.Context, e events.Event, recipients []uuid.UUID) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}
	return m.relay(ctx, &relayFrame{Recipients: recipients, Event: data})
}

// broadcastRoom pushes an ephemeral event to the room, skipping the
// connection it came from.
func (m *Manager) broadcastRoom(ctx context.Context, chatID, origin uuid.UUID, e events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}
	return m.relay(ctx, &relayFrame{Room: chatID, Origin: origin, Event: data})
}

func (m *Manager) relay(ctx context.Context, f *relayFrame) error {
	if m.broker == nil {
		m.dispatch(f)
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return m.broker.Publish(ctx, data)
}

func (m *Manager) handleRelay(data []byte) {
	var f relayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn("Dropping malformed relay frame: %v", err)
		return
	}
	m.dispatch(&f)
}

// dispatch writes the frame's event to the matching local connections.
func (m *Manager) dispatch(f *relayFrame) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if f.Room != uuid.Nil {
		for c := range m.rooms[f.Room] {
			if c.ID != f.Origin {
				m.sendLocked(c, f.Event)
			}
		}
		return
	}

	sent := 0
	for _, user := range f.Recipients {
		for c := range m.clients[user] {
			m.sendLocked(c, f.Event)
			sent++
		}
	}
	log.Debug("Delivered event to %d connections of %d recipients", sent, len(f.Recipients))
}

// sendLocked queues msg for c, evicting the client when its buffer is full.
// The caller holds the write lock.
func (m *Manager) sendLocked(c *Client, msg []byte) {
	select {
	case c.Send <- msg:
	default:
		log.Warn("Send buffer full for user %s (connection %s), removing client", c.UserID, c.ID)
		m.remove(c)
	}
}

// sendTo queues msg for one client if it is still registered.
func (m *Manager) sendTo(c *Client, msg []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[c.UserID][c]; ok {
		m.sendLocked(c, msg)
	}
}

func (m *Manager) join(ctx context.Context, c *Client, chatID uuid.UUID) error {
	if m.auth != nil {
		if err := m.auth.CanJoin(ctx, chatID, c.UserID); err != nil {
			return err
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.clients[c.UserID][c]; !ok {
		return nil
	}
	room, ok := m.rooms[chatID]
	if !ok {
		room = make(map[*Client]struct{})
		m.rooms[chatID] = room
	}
	room[c] = struct{}{}
	c.rooms[chatID] = struct{}{}
	log.Debug("User %s joined chat %s", c.UserID, chatID)
	return nil
}

func (m *Manager) leave(c *Client, chatID uuid.UUID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.leaveLocked(c, chatID)
}

func (m *Manager) leaveLocked(c *Client, chatID uuid.UUID) {
	delete(c.rooms, chatID)
	if room, ok := m.rooms[chatID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(m.rooms, chatID)
		}
	}
}

func (m *Manager) inRoom(c *Client, chatID uuid.UUID) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := c.rooms[chatID]
	return ok
}
