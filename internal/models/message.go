package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageLocation MessageType = "location"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage || t == MessageLocation
}

// Chat is the channel between an errand's requester and performer
type Chat struct {
	ID           uuid.UUID   `json:"id"`
	ErrandID     uuid.UUID   `json:"errand_id"`
	Participants []uuid.UUID `json:"participants"`
	LastMessage  *Message    `json:"last_message,omitempty"`
	LastSeq      int64       `json:"last_seq"`
	// ReadWatermarks maps each participant to the newest message time they have read.
	ReadWatermarks map[uuid.UUID]time.Time `json:"read_watermarks"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// HasParticipant reports whether user belongs to the chat.
func (c *Chat) HasParticipant(user uuid.UUID) bool {
	return slices.Contains(c.Participants, user)
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	out.ReadWatermarks = make(map[uuid.UUID]time.Time, len(c.ReadWatermarks))
	for k, v := range c.ReadWatermarks {
		out.ReadWatermarks[k] = v
	}
	return &out
}

// Message represents a chat message in the system
type Message struct {
	ID        uuid.UUID   `json:"id"`
	ChatID    uuid.UUID   `json:"chat_id"`
	Seq       int64       `json:"seq"`
	SenderID  uuid.UUID   `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type"`
	CreatedAt time.Time   `json:"created_at"`
}

// ReadBy reports whether a reader with the given watermark has seen m.
// Senders always count as having read their own messages.
func (m *Message) ReadBy(reader uuid.UUID, watermark time.Time) bool {
	return m.SenderID == reader || !m.CreatedAt.After(watermark)
}

// ChatView is a chat as seen by one participant.
type ChatView struct {
	*Chat
	UnreadCount int `json:"unread_count"`
}
