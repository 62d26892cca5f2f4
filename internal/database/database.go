package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/geo"
	"github.com/ammar1510/errands/internal/models"
)

var (
	ErrErrandNotFound       = errors.New("errand not found")
	ErrChatNotFound         = errors.New("chat not found")
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrAlreadyAccepted is returned when the pending→accepted write lost the race.
	ErrAlreadyAccepted = errors.New("errand already accepted")
	// ErrPerformerBusy is returned when the performer already holds an active errand.
	ErrPerformerBusy = errors.New("performer already has an active errand")
	ErrSelfAccept    = errors.New("requester cannot accept own errand")
)

// StatusMismatchError is returned by TransitionErrand when the errand is not
// in one of the required source statuses.
type StatusMismatchError struct {
	Current models.Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("errand status is %s", e.Current)
}

// Transition is a conditional status change. The store locks the errand,
// verifies the status is one of From, runs Check against the locked record,
// applies Apply and writes the result, all as one atomic unit.
type Transition struct {
	ErrandID uuid.UUID
	From     []models.Status
	To       models.Status
	At       time.Time
	// Check may reject the transition based on the current record.
	Check func(e *models.Errand) error
	// Apply mutates fields besides status and updatedAt.
	Apply func(e *models.Errand)
	// Outbox, when set, builds the event recorded in the same unit of work.
	Outbox OutboxFunc
}

// OutboxEvent is a lifecycle event stored alongside the status change that
// produced it. It stays undispatched until its notifications are persisted.
type OutboxEvent struct {
	ID           uuid.UUID
	ErrandID     uuid.UUID
	Payload      []byte
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// OutboxFunc builds the outbox row for the errand as it is about to be written.
type OutboxFunc func(after *models.Errand) (*OutboxEvent, error)

// NearbyQuery selects errands around a point.
type NearbyQuery struct {
	Center       geo.Point
	RadiusMeters float64
	Status       models.Status
	Category     models.Category
	Limit        int
}

// DBInterface is the storage contract the services depend on.
type DBInterface interface {
	// Errand methods
	CreateErrand(ctx context.Context, e *models.Errand) error
	GetErrand(ctx context.Context, id uuid.UUID) (*models.Errand, error)
	AcceptErrand(ctx context.Context, id, performer uuid.UUID, at time.Time, outbox OutboxFunc) (*models.Errand, error)
	TransitionErrand(ctx context.Context, t Transition) (*models.Errand, error)
	NearbyErrands(ctx context.Context, q NearbyQuery) ([]*models.NearbyErrand, error)
	ListErrandsByUser(ctx context.Context, user uuid.UUID, role models.Role) ([]*models.Errand, error)
	ListDueForFinalize(ctx context.Context, completedBefore time.Time, limit int) ([]*models.Errand, error)
	ListPendingPastDeadline(ctx context.Context, now time.Time, limit int) ([]*models.Errand, error)
	ActiveErrandFor(ctx context.Context, performer uuid.UUID) (uuid.UUID, bool, error)

	// Outbox methods
	ListUndispatchedEvents(ctx context.Context, createdBefore time.Time, limit int) ([]*OutboxEvent, error)
	MarkEventDispatched(ctx context.Context, id uuid.UUID, at time.Time) error

	// Chat methods
	CreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, error)
	GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error)
	GetChatByErrand(ctx context.Context, errandID uuid.UUID) (*models.Chat, error)
	ListChatsByUser(ctx context.Context, user uuid.UUID) ([]*models.Chat, error)
	AppendMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error)
	CountUnreadMessages(ctx context.Context, chatID, reader uuid.UUID) (int, error)
	AdvanceReadWatermark(ctx context.Context, chatID, reader uuid.UUID, upto time.Time) (time.Time, error)

	// Notification methods
	InsertNotification(ctx context.Context, n *models.Notification) (bool, error)
	ListNotifications(ctx context.Context, user uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error)
	CountUnreadNotifications(ctx context.Context, user uuid.UUID) (int, error)
	MarkNotificationRead(ctx context.Context, id, user uuid.UUID, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, user uuid.UUID, at time.Time) (int64, error)

	// Common methods
	Ping(ctx context.Context) error
	Close() error
}

type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	Memory     DatabaseType = "memory"
)

// DefaultListLimit caps list queries that did not ask for a limit.
const DefaultListLimit = 100

func NewDatabase(dbType DatabaseType, connStr string) (DBInterface, error) {
	switch dbType {
	case PostgreSQL:
		db, err := NewPostgresDB(connStr)
		if err != nil {
			return nil, err
		}
		return db, nil
	case Memory:
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// leavesActive reports whether moving from one status to another releases
// the performer's active slot.
func leavesActive(from, to models.Status) bool {
	return from.Active() && !to.Active()
}
