// Package events defines the domain events emitted after a committed errand
// transition or chat message, plus the ephemeral presence signals relayed by
// the realtime gateway. Event is a closed union: only the four types in this
// package implement it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/geo"
	"github.com/ammar1510/errands/internal/models"
)

// Kind is the wire tag of an event.
type Kind string

const (
	KindLifecycle Kind = "lifecycle_update"
	KindMessage   Kind = "new_message"
	KindTyping    Kind = "typing"
	KindLocation  Kind = "location_update"
)

// Event is implemented by LifecycleEvent, MessageEvent, TypingEvent and LocationEvent.
type Event interface {
	Kind() Kind
	sealed()
}

// LifecycleEvent is a committed errand status transition.
type LifecycleEvent struct {
	ID          uuid.UUID     `json:"id"`
	ErrandID    uuid.UUID     `json:"errand_id"`
	Title       string        `json:"title"`
	Action      models.Action `json:"action"`
	From        models.Status `json:"from_status"`
	To          models.Status `json:"to_status"`
	Actor       uuid.UUID     `json:"actor"`
	RequestedBy uuid.UUID     `json:"requested_by"`
	// Performer is the accepted performer at the time of the transition, even
	// when the transition itself cleared acceptedBy (cancel, resolve).
	Performer uuid.UUID `json:"performer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Participants returns the requester and, when present, the performer.
func (e *LifecycleEvent) Participants() []uuid.UUID {
	if e.Performer == uuid.Nil {
		return []uuid.UUID{e.RequestedBy}
	}
	return []uuid.UUID{e.RequestedBy, e.Performer}
}

// MessageEvent is a message appended to a chat.
type MessageEvent struct {
	ID           uuid.UUID      `json:"id"`
	ChatID       uuid.UUID      `json:"chat_id"`
	ErrandID     uuid.UUID      `json:"errand_id"`
	ErrandTitle  string         `json:"errand_title,omitempty"`
	Message      models.Message `json:"message"`
	Participants []uuid.UUID    `json:"participants"`
}

// TypingEvent is an ephemeral typing indicator inside a chat.
type TypingEvent struct {
	ChatID    uuid.UUID `json:"chat_id"`
	UserID    uuid.UUID `json:"user_id"`
	Typing    bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationEvent is an ephemeral live position update inside a chat.
type LocationEvent struct {
	ChatID    uuid.UUID `json:"chat_id"`
	UserID    uuid.UUID `json:"user_id"`
	Position  geo.Point `json:"position"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (*LifecycleEvent) Kind() Kind { return KindLifecycle }
func (*MessageEvent) Kind() Kind   { return KindMessage }
func (*TypingEvent) Kind() Kind    { return KindTyping }
func (*LocationEvent) Kind() Kind  { return KindLocation }

func (*LifecycleEvent) sealed() {}
func (*MessageEvent) sealed()   {}
func (*TypingEvent) sealed()    {}
func (*LocationEvent) sealed()  {}

// Ephemeral reports whether e is a presence signal that is never persisted.
func Ephemeral(e Event) bool {
	switch e.(type) {
	case *TypingEvent, *LocationEvent:
		return true
	}
	return false
}

// Envelope is the JSON frame carrying an event over a socket or relay.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps e in an Envelope and marshals it.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Type: e.Kind(), Payload: payload})
}

// Decode parses an Envelope and returns the concrete event it carries.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var e Event
	switch env.Type {
	case KindLifecycle:
		e = &LifecycleEvent{}
	case KindMessage:
		e = &MessageEvent{}
	case KindTyping:
		e = &TypingEvent{}
	case KindLocation:
		e = &LocationEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return e, nil
}

// Publisher receives committed domain events. Implementations must not
// block the caller on slow consumers and must not fail the originating
// operation, which has already been committed.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// PublishTimeout bounds the fan-out of one committed event.
const PublishTimeout = 30 * time.Second

// Detach returns the context an already committed event is published with.
// It keeps ctx's values and drops its cancellation, so a caller that goes
// away after the commit does not abort the fan-out.
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// Fanout delivers each event to every publisher in order.
type Fanout []Publisher

// Publish forwards e to each publisher.
func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		p.Publish(ctx, e)
	}
}
