// Package notify turns committed lifecycle and chat events into per-user
// notification records and live pushes.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/logger"
	"github.com/ammar1510/errands/internal/models"
)

var log = logger.New("notify")

// Pusher delivers an event to every live connection of the recipients.
type Pusher interface {
	Deliver(ctx context.Context, e events.Event, recipients []uuid.UUID) error
}

// Presence reports whether a user has at least one live connection.
type Presence interface {
	IsOnline(user uuid.UUID) bool
}

// Dispatcher is the notification fan-out. Persistence is idempotent per
// event and recipient, so a replayed event only re-attempts the push.
type Dispatcher struct {
	db         database.DBInterface
	pusher     Pusher
	presence   Presence
	maxRetries uint64
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

func NewDispatcher(db database.DBInterface, pusher Pusher, presence Presence, maxRetries uint64) *Dispatcher {
	return &Dispatcher{
		db:         db,
		pusher:     pusher,
		presence:   presence,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		now: time.Now,
	}
}

// Publish implements events.Publisher. Failures are logged; the event has
// already been committed by the time it gets here. A lifecycle event is
// marked dispatched in the outbox once all of its notifications are stored,
// and stays there for the sweeper to re-publish otherwise.
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) {
	switch ev := e.(type) {
	case *events.LifecycleEvent:
		if d.persistAll(ctx, ev.ID, LifecycleNotices(ev)) {
			d.markDispatched(ctx, ev.ID)
		}
		d.push(ctx, ev, ev.Participants())
	case *events.MessageEvent:
		d.persistAll(ctx, ev.ID, d.offlineNotices(ev))
		d.push(ctx, ev, ev.Participants)
	}
}

// persistAll reports whether every notice was stored.
func (d *Dispatcher) persistAll(ctx context.Context, eventID uuid.UUID, notices []Notice) bool {
	ok := true
	for _, n := range notices {
		if err := d.persist(ctx, eventID, n); err != nil {
			log.Error("Failed to persist %s notification for %s (event %s): %v", n.Type, n.UserID, eventID, err)
			ok = false
		}
	}
	return ok
}

func (d *Dispatcher) markDispatched(ctx context.Context, eventID uuid.UUID) {
	err := d.retry(ctx, func() error {
		return d.db.MarkEventDispatched(ctx, eventID, d.now().UTC())
	})
	if err != nil {
		log.Warn("Failed to mark event %s dispatched, it will be re-published: %v", eventID, err)
	}
}

func (d *Dispatcher) persist(ctx context.Context, eventID uuid.UUID, n Notice) error {
	record := &models.Notification{
		ID:            uuid.New(),
		EventID:       eventID,
		UserID:        n.UserID,
		Type:          n.Type,
		Title:         n.Title,
		Body:          n.Body,
		RelatedErrand: n.Errand,
		CreatedAt:     d.now().UTC(),
	}
	return d.retry(ctx, func() error {
		inserted, err := d.db.InsertNotification(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			log.Debug("Notification for event %s and user %s already stored", eventID, n.UserID)
		}
		return nil
	})
}

func (d *Dispatcher) push(ctx context.Context, e events.Event, recipients []uuid.UUID) {
	if d.pusher == nil || len(recipients) == 0 {
		return
	}
	err := d.retry(ctx, func() error {
		return d.pusher.Deliver(ctx, e, recipients)
	})
	if err != nil {
		log.Warn("Failed to push %s to %d recipients: %v", e.Kind(), len(recipients), err)
	}
}

func (d *Dispatcher) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.maxRetries), ctx)
	return backoff.Retry(op, b)
}

// offlineNotices persists a system notice for each recipient of a message
// who has no live connection to receive the push.
func (d *Dispatcher) offlineNotices(ev *events.MessageEvent) []Notice {
	var out []Notice
	for _, user := range ev.Participants {
		if user == ev.Message.SenderID {
			continue
		}
		if d.presence != nil && d.presence.IsOnline(user) {
			continue
		}
		out = append(out, Notice{
			UserID: user,
			Type:   models.NotifySystem,
			Title:  messageTitle(ev),
			Body:   preview(ev.Message),
			Errand: &models.ErrandSnapshot{ID: ev.ErrandID, Title: ev.ErrandTitle},
		})
	}
	return out
}

func messageTitle(ev *events.MessageEvent) string {
	if ev.ErrandTitle == "" {
		return "New message"
	}
	return fmt.Sprintf("New message about %q", ev.ErrandTitle)
}

func preview(m models.Message) string {
	switch m.Type {
	case models.MessageImage:
		return "Sent a photo"
	case models.MessageLocation:
		return "Shared a location"
	}
	const max = 80
	runes := []rune(m.Content)
	if len(runes) <= max {
		return m.Content
	}
	return string(runes[:max]) + "…"
}
