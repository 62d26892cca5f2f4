package notify

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/models"
)

// Notice is a notification to be stored for one user.
type Notice struct {
	UserID uuid.UUID
	Type   models.NotificationType
	Title  string
	Body   string
	Errand *models.ErrandSnapshot
}

// LifecycleNotices maps a committed transition to the notices it produces.
//
//	accept            requester  errand_accepted
//	complete          requester  errand_completed
//	dispute           performer  errand_disputed
//	finalize          performer  payment_completed, requester errand_finalized
//	resolve paid      same as finalize
//	resolve cancelled both       system
//	cancel            performer  system (requester too when the system cancelled)
//	begin             nobody
func LifecycleNotices(ev *events.LifecycleEvent) []Notice {
	snap := &models.ErrandSnapshot{ID: ev.ErrandID, Title: ev.Title, Status: ev.To}
	notice := func(user uuid.UUID, typ models.NotificationType, title, body string) Notice {
		return Notice{UserID: user, Type: typ, Title: title, Body: body, Errand: snap}
	}
	paid := func() []Notice {
		var out []Notice
		if ev.Performer != uuid.Nil {
			out = append(out, notice(ev.Performer, models.NotifyPaymentCompleted,
				"Payment completed", fmt.Sprintf("You have been paid for %q.", ev.Title)))
		}
		return append(out, notice(ev.RequestedBy, models.NotifyErrandFinalized,
			"Errand finalized", fmt.Sprintf("%q is closed and the reward was released.", ev.Title)))
	}

	switch ev.Action {
	case models.ActionAccept:
		return []Notice{notice(ev.RequestedBy, models.NotifyErrandAccepted,
			"Errand accepted", fmt.Sprintf("Someone accepted %q.", ev.Title))}

	case models.ActionComplete:
		return []Notice{notice(ev.RequestedBy, models.NotifyErrandCompleted,
			"Errand completed", fmt.Sprintf("%q was marked complete. Review the proof.", ev.Title))}

	case models.ActionDispute:
		if ev.Performer == uuid.Nil {
			return nil
		}
		return []Notice{notice(ev.Performer, models.NotifyErrandDisputed,
			"Completion disputed", fmt.Sprintf("The requester disputed %q.", ev.Title))}

	case models.ActionFinalize:
		return paid()

	case models.ActionResolve:
		if ev.To == models.StatusPaid {
			return paid()
		}
		out := []Notice{notice(ev.RequestedBy, models.NotifySystem,
			"Dispute resolved", fmt.Sprintf("The dispute on %q was resolved and the errand cancelled.", ev.Title))}
		if ev.Performer != uuid.Nil {
			out = append(out, notice(ev.Performer, models.NotifySystem,
				"Dispute resolved", fmt.Sprintf("The dispute on %q was resolved and the errand cancelled.", ev.Title)))
		}
		return out

	case models.ActionCancel:
		var out []Notice
		if ev.Actor == uuid.Nil {
			out = append(out, notice(ev.RequestedBy, models.NotifySystem,
				"Errand expired", fmt.Sprintf("%q passed its deadline and was cancelled.", ev.Title)))
		}
		if ev.Performer != uuid.Nil {
			out = append(out, notice(ev.Performer, models.NotifySystem,
				"Errand cancelled", fmt.Sprintf("The requester cancelled %q.", ev.Title)))
		}
		return out
	}
	return nil
}
