package errand

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/apperror"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/models"
)

const sweepBatch = 100

// redeliverAfter is how long an outbox row may stay undispatched before the
// sweep assumes its fan-out was lost.
const redeliverAfter = time.Minute

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Finalized   int
	Cancelled   int
	Redelivered int
	Failed      int
}

// Sweep finalizes completed errands whose dispute window has elapsed,
// cancels pending errands whose deadline passed and re-publishes lifecycle
// events whose fan-out never completed. Errands that moved on between the
// listing and the transition are skipped.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	due, err := s.db.ListDueForFinalize(ctx, now.Add(-s.opts.DisputeWindow), sweepBatch)
	if err != nil {
		return res, err
	}
	for _, e := range due {
		if _, err := s.finalizeExpired(ctx, e.ID, now); err != nil {
			s.recordSweepFailure(&res, "finalize", e.ID, err)
			continue
		}
		res.Finalized++
	}

	expired, err := s.db.ListPendingPastDeadline(ctx, now, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, e := range expired {
		_, err := s.cancel(ctx, e.ID, uuid.Nil, "deadline passed", func(e *models.Errand) error {
			if e.Status != models.StatusPending || e.Deadline == nil || e.Deadline.After(now) {
				return &apperror.UnauthorizedError{Action: string(models.ActionCancel), Reason: "deadline not reached"}
			}
			return nil
		})
		if err != nil {
			s.recordSweepFailure(&res, "cancel", e.ID, err)
			continue
		}
		res.Cancelled++
	}

	n, err := s.Redeliver(ctx, now)
	res.Redelivered = n
	return res, err
}

// Redeliver re-publishes outbox rows older than redeliverAfter that were
// never marked dispatched. Notification persistence is keyed by event id,
// so a row whose first fan-out half succeeded only re-attempts the rest.
func (s *Service) Redeliver(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.db.ListUndispatchedEvents(ctx, now.Add(-redeliverAfter), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range pending {
		ev, err := events.Decode(row.Payload)
		if err != nil {
			log.Error("Outbox event %s for errand %s is unreadable: %v", row.ID, row.ErrandID, err)
			continue
		}
		log.Warn("Re-publishing %s event %s for errand %s", ev.Kind(), row.ID, row.ErrandID)
		s.events.Publish(ctx, ev)
		n++
	}
	return n, nil
}

func (s *Service) recordSweepFailure(res *SweepResult, what string, id uuid.UUID, err error) {
	if apperror.IsBusiness(err) {
		log.Debug("Sweep skipped %s of errand %s: %v", what, id, err)
		return
	}
	res.Failed++
	log.Error("Sweep failed to %s errand %s: %v", what, id, err)
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Sweeper started (interval %s, dispute window %s)", interval, s.opts.DisputeWindow)
	for {
		select {
		case <-ctx.Done():
			log.Info("Sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx, s.now().UTC())
			if err != nil {
				log.Error("Sweep failed: %v", err)
				continue
			}
			if res.Finalized > 0 || res.Cancelled > 0 || res.Redelivered > 0 || res.Failed > 0 {
				log.Info("Sweep finalized %d, cancelled %d, redelivered %d, failed %d",
					res.Finalized, res.Cancelled, res.Redelivered, res.Failed)
			}
		}
	}
}
