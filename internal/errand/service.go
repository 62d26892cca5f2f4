// Package errand implements the errand lifecycle: creation, discovery and
// every status transition, including the race-free accept.
package errand

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/apperror"
	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/geo"
	"github.com/ammar1510/errands/internal/logger"
	"github.com/ammar1510/errands/internal/models"
)

var log = logger.New("errand")

// Options are the policy knobs of the lifecycle engine.
type Options struct {
	DefaultRadiusMeters float64
	MaxRadiusMeters     float64
	DisputeWindow       time.Duration
	MaxReward           int64
	DefaultCurrency     string
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		DefaultRadiusMeters: 5000,
		MaxRadiusMeters:     50000,
		DisputeWindow:       72 * time.Hour,
		MaxReward:           1_000_000,
		DefaultCurrency:     "KRW",
	}
}

// Service is the errand lifecycle engine.
type Service struct {
	db     database.DBInterface
	events events.Publisher
	opts   Options
	now    func() time.Time
}

func NewService(db database.DBInterface, publisher events.Publisher, opts Options) *Service {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Service{db: db, events: publisher, opts: opts, now: time.Now}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create validates req and stores a new pending errand owned by requester.
func (s *Service) Create(ctx context.Context, requester uuid.UUID, req *models.CreateErrandRequest) (*models.Errand, error) {
	now := s.now().UTC()
	e, err := s.buildErrand(requester, req, now)
	if err != nil {
		return nil, err
	}
	if err := s.db.CreateErrand(ctx, e); err != nil {
		return nil, fmt.Errorf("create errand: %w", err)
	}
	log.Info("Errand %s created by %s at (%.5f, %.5f)", e.ID, requester, e.Location.Lat, e.Location.Lng)
	return e, nil
}

func (s *Service) buildErrand(requester uuid.UUID, req *models.CreateErrandRequest, now time.Time) (*models.Errand, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, &apperror.ValidationError{Field: "title", Reason: "required"}
	}
	if strings.TrimSpace(req.Address) == "" {
		return nil, &apperror.ValidationError{Field: "address", Reason: "required"}
	}
	if req.Lat == nil || req.Lng == nil {
		return nil, &apperror.ValidationError{Field: "location", Reason: "lat and lng are required"}
	}
	point := geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	if err := point.Validate(); err != nil {
		return nil, &apperror.ValidationError{Field: "location", Reason: err.Error()}
	}
	if req.Reward <= 0 || req.Reward > s.opts.MaxReward {
		return nil, &apperror.ValidationError{
			Field:  "reward",
			Reason: fmt.Sprintf("must be between 1 and %d", s.opts.MaxReward),
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, &apperror.ValidationError{Field: "currency", Reason: "must be a 3-letter code"}
	}
	if !req.Category.Valid() {
		return nil, &apperror.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", req.Category)}
	}
	if len(req.Images) > models.MaxImages {
		return nil, &apperror.ValidationError{
			Field:  "images",
			Reason: fmt.Sprintf("at most %d images", models.MaxImages),
		}
	}
	if slices.Contains(req.Images, "") {
		return nil, &apperror.ValidationError{Field: "images", Reason: "empty image reference"}
	}
	var deadline *time.Time
	if req.Deadline != nil {
		if !req.Deadline.After(now) {
			return nil, &apperror.ValidationError{Field: "deadline", Reason: "must be in the future"}
		}
		d := req.Deadline.UTC()
		deadline = &d
	}

	images := slices.Clone(req.Images)
	if images == nil {
		images = []string{}
	}
	return &models.Errand{
		ID:          uuid.New(),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Location:    models.Location{Point: point, Address: strings.TrimSpace(req.Address)},
		Reward:      models.Reward{Amount: req.Reward, Currency: currency},
		RequestedBy: requester,
		Status:      models.StatusPending,
		Category:    req.Category,
		Deadline:    deadline,
		Images:      images,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get returns one errand.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Errand, error) {
	e, err := s.db.GetErrand(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "get errand", id)
	}
	return e, nil
}

// Nearby runs a proximity query. Only pending errands are returned unless
// another status is asked for explicitly.
func (s *Service) Nearby(ctx context.Context, req *models.NearbyRequest) ([]*models.NearbyErrand, error) {
	if req.Lat == nil || req.Lng == nil {
		return nil, &apperror.ValidationError{Field: "location", Reason: "lat and lng are required"}
	}
	center := geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	if err := center.Validate(); err != nil {
		return nil, &apperror.ValidationError{Field: "location", Reason: err.Error()}
	}

	radius := req.Radius
	switch {
	case math.IsNaN(radius) || math.IsInf(radius, 0):
		return nil, &apperror.ValidationError{Field: "radius", Reason: "must be a finite number"}
	case radius < 0:
		return nil, &apperror.ValidationError{Field: "radius", Reason: "must be positive"}
	case radius == 0:
		radius = s.opts.DefaultRadiusMeters
	case radius > s.opts.MaxRadiusMeters:
		radius = s.opts.MaxRadiusMeters
	}

	status := req.Status
	if status == "" {
		status = models.StatusPending
	}
	if !status.Valid() {
		return nil, &apperror.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if req.Category != "" && !req.Category.Valid() {
		return nil, &apperror.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", req.Category)}
	}

	found, err := s.db.NearbyErrands(ctx, database.NearbyQuery{
		Center:       center,
		RadiusMeters: radius,
		Status:       status,
		Category:     req.Category,
		Limit:        req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("nearby errands: %w", err)
	}
	return found, nil
}

// ListMine returns the errands the user requested or holds as performer.
func (s *Service) ListMine(ctx context.Context, user uuid.UUID, role models.Role) ([]*models.Errand, error) {
	if role == "" {
		role = models.RoleRequester
	}
	if role != models.RoleRequester && role != models.RolePerformer {
		return nil, &apperror.ValidationError{Field: "role", Reason: "must be requester or performer"}
	}
	list, err := s.db.ListErrandsByUser(ctx, user, role)
	if err != nil {
		return nil, fmt.Errorf("list errands: %w", err)
	}
	return list, nil
}

// Accept assigns the errand to performer. The store performs the
// compare-and-swap; losing the race surfaces as AlreadyAcceptedError and is
// never retried here.
func (s *Service) Accept(ctx context.Context, id, performer uuid.UUID) (*models.Errand, error) {
	current, err := s.db.GetErrand(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, "accept", id)
	}
	if current.RequestedBy == performer {
		return nil, &apperror.UnauthorizedError{Action: string(models.ActionAccept), Reason: "cannot accept your own errand"}
	}
	if held, ok, err := s.db.ActiveErrandFor(ctx, performer); err != nil {
		return nil, fmt.Errorf("check active errand: %w", err)
	} else if ok && held != id {
		return nil, &apperror.ConflictError{Reason: fmt.Sprintf("performer already holds active errand %s", held)}
	}

	at := s.now().UTC()
	ev := &events.LifecycleEvent{
		ID:        uuid.New(),
		Action:    models.ActionAccept,
		From:      models.StatusPending,
		Actor:     performer,
		Performer: performer,
		Timestamp: at,
	}
	accepted, err := s.db.AcceptErrand(ctx, id, performer, at, outboxFor(ev))
	if err != nil {
		return nil, mapStoreError(err, "accept", id)
	}

	log.Info("Errand %s accepted by %s", id, performer)
	s.publish(ctx, ev)
	return accepted, nil
}

// Begin marks an accepted errand as in progress.
func (s *Service) Begin(ctx context.Context, id, actor uuid.UUID) (*models.Errand, error) {
	return s.transition(ctx, id, step{
		action: models.ActionBegin,
		actor:  actor,
		to:     models.StatusInProgress,
	})
}

// SubmitComplete records the performer's proof and completes the errand.
func (s *Service) SubmitComplete(ctx context.Context, id, actor uuid.UUID, req *models.CompleteRequest) (*models.Errand, error) {
	proof := strings.TrimSpace(req.ProofImage)
	message := strings.TrimSpace(req.Message)
	if proof == "" {
		return nil, &apperror.ValidationError{Field: "proof_image", Reason: "required"}
	}
	if message == "" {
		return nil, &apperror.ValidationError{Field: "message", Reason: "required"}
	}
	return s.transition(ctx, id, step{
		action: models.ActionComplete,
		actor:  actor,
		to:     models.StatusCompleted,
		apply: func(e *models.Errand, at time.Time) {
			e.Proof = &models.CompletionProof{ImageRef: proof, Message: message, SubmittedAt: at}
			e.CompletedAt = &at
		},
	})
}

// Dispute rejects a completion within the dispute window.
func (s *Service) Dispute(ctx context.Context, id, actor uuid.UUID, reason string) (*models.Errand, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &apperror.ValidationError{Field: "reason", Reason: "required"}
	}
	now := s.now().UTC()
	return s.transition(ctx, id, step{
		action: models.ActionDispute,
		actor:  actor,
		to:     models.StatusDisputed,
		check: func(e *models.Errand) error {
			if e.CompletedAt != nil && now.After(e.CompletedAt.Add(s.opts.DisputeWindow)) {
				return &apperror.UnauthorizedError{Action: string(models.ActionDispute), Reason: "dispute window has closed"}
			}
			return nil
		},
		apply: func(e *models.Errand, _ time.Time) {
			e.DisputeReason = reason
		},
	})
}

// Finalize confirms a completed errand as paid. The requester may do it at
// any time; the system does it once the dispute window has elapsed.
func (s *Service) Finalize(ctx context.Context, id, actor uuid.UUID) (*models.Errand, error) {
	return s.transition(ctx, id, step{
		action: models.ActionFinalize,
		actor:  actor,
		to:     models.StatusPaid,
	})
}

func (s *Service) finalizeExpired(ctx context.Context, id uuid.UUID, now time.Time) (*models.Errand, error) {
	return s.transition(ctx, id, step{
		action: models.ActionFinalize,
		actor:  uuid.Nil,
		to:     models.StatusPaid,
		check: func(e *models.Errand) error {
			if e.CompletedAt == nil || !now.After(e.CompletedAt.Add(s.opts.DisputeWindow)) {
				return &apperror.UnauthorizedError{Action: string(models.ActionFinalize), Reason: "dispute window still open"}
			}
			return nil
		},
	})
}

// Resolve settles a dispute. Only admins may call it.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, admin *models.User, outcome models.Status, note string) (*models.Errand, error) {
	if !admin.IsAdmin() {
		return nil, &apperror.UnauthorizedError{Action: string(models.ActionResolve), Reason: "admin role required"}
	}
	if !slices.Contains(models.Transitions[models.ActionResolve].To, outcome) {
		return nil, &apperror.ValidationError{Field: "outcome", Reason: "must be paid or cancelled"}
	}
	note = strings.TrimSpace(note)
	return s.transition(ctx, id, step{
		action: models.ActionResolve,
		actor:  admin.ID,
		grants: []models.Role{models.RoleAdmin},
		to:     outcome,
		apply: func(e *models.Errand, _ time.Time) {
			e.Resolution = note
			if outcome == models.StatusCancelled {
				e.AcceptedBy = nil
			}
		},
	})
}

// Cancel withdraws an errand that has not been completed yet.
func (s *Service) Cancel(ctx context.Context, id, actor uuid.UUID, reason string) (*models.Errand, error) {
	return s.cancel(ctx, id, actor, strings.TrimSpace(reason), nil)
}

func (s *Service) cancel(ctx context.Context, id, actor uuid.UUID, reason string, check func(*models.Errand) error) (*models.Errand, error) {
	return s.transition(ctx, id, step{
		action: models.ActionCancel,
		actor:  actor,
		to:     models.StatusCancelled,
		check:  check,
		apply: func(e *models.Errand, _ time.Time) {
			e.CancelReason = reason
			e.AcceptedBy = nil
		},
	})
}

type step struct {
	action models.Action
	actor  uuid.UUID
	// grants are roles the actor holds outside the errand itself.
	grants []models.Role
	to     models.Status
	check  func(e *models.Errand) error
	apply  func(e *models.Errand, at time.Time)
}

// transition runs one state machine step against the store. The actor must
// hold a role the transition table allows. The lifecycle event is written
// to the outbox with the change and published once it has committed.
func (s *Service) transition(ctx context.Context, id uuid.UUID, st step) (*models.Errand, error) {
	rule, ok := models.Transitions[st.action]
	if !ok || !slices.Contains(rule.To, st.to) {
		return nil, fmt.Errorf("no rule for %s to %s", st.action, st.to)
	}

	at := s.now().UTC()
	ev := &events.LifecycleEvent{
		ID:        uuid.New(),
		Action:    st.action,
		Actor:     st.actor,
		Timestamp: at,
	}
	var prev models.Errand
	updated, err := s.db.TransitionErrand(ctx, database.Transition{
		ErrandID: id,
		From:     rule.From,
		To:       st.to,
		At:       at,
		Check: func(e *models.Errand) error {
			prev = *e
			if !rule.Allows(append(e.RolesOf(st.actor), st.grants...)...) {
				return &apperror.UnauthorizedError{
					Action: string(st.action),
					Reason: "requires role " + strings.Join(roleNames(rule.By), " or "),
				}
			}
			if st.check != nil {
				return st.check(e)
			}
			return nil
		},
		Apply: func(e *models.Errand) {
			if st.apply != nil {
				st.apply(e, at)
			}
		},
		Outbox: func(after *models.Errand) (*database.OutboxEvent, error) {
			ev.From = prev.Status
			ev.Performer = prev.Performer()
			return outboxFor(ev)(after)
		},
	})
	if err != nil {
		var mismatch *database.StatusMismatchError
		if errors.As(err, &mismatch) {
			return nil, &apperror.InvalidStateError{
				Action:   string(st.action),
				Current:  string(mismatch.Current),
				Required: models.StatusStrings(rule.From),
			}
		}
		return nil, mapStoreError(err, string(st.action), id)
	}

	log.Info("Errand %s %s -> %s (%s by %s)", id, prev.Status, updated.Status, st.action, actorName(st.actor))
	s.publish(ctx, ev)
	return updated, nil
}

// outboxFor completes ev from the errand being written and encodes it as
// an outbox row.
func outboxFor(ev *events.LifecycleEvent) database.OutboxFunc {
	return func(after *models.Errand) (*database.OutboxEvent, error) {
		ev.ErrandID = after.ID
		ev.Title = after.Title
		ev.To = after.Status
		ev.RequestedBy = after.RequestedBy
		payload, err := events.Encode(ev)
		if err != nil {
			return nil, err
		}
		return &database.OutboxEvent{
			ID:        ev.ID,
			ErrandID:  after.ID,
			Payload:   payload,
			CreatedAt: ev.Timestamp,
		}, nil
	}
}

// publish fans out a committed event. The caller's cancellation does not
// reach the publishers.
func (s *Service) publish(ctx context.Context, ev *events.LifecycleEvent) {
	ctx, cancel := events.Detach(ctx)
	defer cancel()
	s.events.Publish(ctx, ev)
}

func roleNames(roles []models.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func mapStoreError(err error, action string, id uuid.UUID) error {
	switch {
	case errors.Is(err, database.ErrErrandNotFound):
		return &apperror.NotFoundError{Entity: "errand", ID: id.String()}
	case errors.Is(err, database.ErrAlreadyAccepted):
		return &apperror.AlreadyAcceptedError{ErrandID: id.String()}
	case errors.Is(err, database.ErrPerformerBusy):
		return &apperror.ConflictError{Reason: "performer already holds an active errand"}
	case errors.Is(err, database.ErrSelfAccept):
		return &apperror.UnauthorizedError{Action: action, Reason: "cannot accept your own errand"}
	case apperror.IsBusiness(err):
		return err
	}
	return fmt.Errorf("%s errand %s: %w", action, id, err)
}

func actorName(id uuid.UUID) string {
	if id == uuid.Nil {
		return string(models.RoleSystem)
	}
	return id.String()
}
