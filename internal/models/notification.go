package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType classifies a persisted notification.
type NotificationType string

const (
	NotifyErrandAccepted   NotificationType = "errand_accepted"
	NotifyErrandCompleted  NotificationType = "errand_completed"
	NotifyErrandDisputed   NotificationType = "errand_disputed"
	NotifyPaymentCompleted NotificationType = "payment_completed"
	NotifyErrandFinalized  NotificationType = "errand_finalized"
	NotifySystem           NotificationType = "system"
)

// ErrandSnapshot records an errand as it was when a notification was created.
type ErrandSnapshot struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Status Status    `json:"status"`
}

// Notification is a per-user record of something that happened
type Notification struct {
	ID uuid.UUID `json:"id"`
	// EventID is the idempotency key: one notification per event and recipient.
	EventID       uuid.UUID        `json:"event_id"`
	UserID        uuid.UUID        `json:"user_id"`
	Type          NotificationType `json:"type"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	IsRead        bool             `json:"is_read"`
	RelatedErrand *ErrandSnapshot  `json:"related_errand,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ReadAt        *time.Time       `json:"read_at,omitempty"`
}
