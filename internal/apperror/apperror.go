// Package apperror defines the business-rule failures returned by the
// errand, chat and notification services. None of them is retried
// internally: each one is terminal for the request that triggered it.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

// UnauthorizedError means the actor has no right to perform the operation.
type UnauthorizedError struct {
	Action string
	Reason string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("not allowed to %s", e.Action)
	}
	return fmt.Sprintf("not allowed to %s: %s", e.Action, e.Reason)
}

// InvalidStateError means the errand is not in a status the transition accepts.
type InvalidStateError struct {
	Action   string
	Current  string
	Required []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s errand in status %q (requires %s)",
		e.Action, e.Current, strings.Join(e.Required, " or "))
}

// AlreadyAcceptedError means another performer won the accept race.
type AlreadyAcceptedError struct {
	ErrandID string
}

func (e *AlreadyAcceptedError) Error() string {
	return fmt.Sprintf("errand %s has already been accepted", e.ErrandID)
}

// ConflictError reports a cross-entity rule violation, such as a performer
// already holding an active errand.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// NotParticipantError means the user is not a member of the chat.
type NotParticipantError struct {
	ChatID string
	UserID string
}

func (e *NotParticipantError) Error() string {
	return fmt.Sprintf("user %s is not a participant of chat %s", e.UserID, e.ChatID)
}

// NotAcceptedError means a chat was requested for an errand nobody has accepted.
type NotAcceptedError struct {
	ErrandID string
}

func (e *NotAcceptedError) Error() string {
	return fmt.Sprintf("errand %s has not been accepted", e.ErrandID)
}

// NotFoundError means the referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind names an error for API responses.
type Kind string

const (
	KindUnauthorized    Kind = "unauthorized"
	KindInvalidState    Kind = "invalid_state"
	KindAlreadyAccepted Kind = "already_accepted"
	KindConflict        Kind = "conflict"
	KindNotParticipant  Kind = "not_participant"
	KindNotAccepted     Kind = "not_accepted"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindInternal        Kind = "internal"
)

// KindOf classifies err, unwrapping as needed.
func KindOf(err error) Kind {
	var (
		unauthorized    *UnauthorizedError
		invalidState    *InvalidStateError
		alreadyAccepted *AlreadyAcceptedError
		conflict        *ConflictError
		notParticipant  *NotParticipantError
		notAccepted     *NotAcceptedError
		notFound        *NotFoundError
		validation      *ValidationError
	)
	switch {
	case errors.As(err, &unauthorized):
		return KindUnauthorized
	case errors.As(err, &invalidState):
		return KindInvalidState
	case errors.As(err, &alreadyAccepted):
		return KindAlreadyAccepted
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &notParticipant):
		return KindNotParticipant
	case errors.As(err, &notAccepted):
		return KindNotAccepted
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &validation):
		return KindValidation
	}
	return KindInternal
}

// IsBusiness reports whether err is one of the taxonomy errors above
// rather than an infrastructure failure.
func IsBusiness(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}
