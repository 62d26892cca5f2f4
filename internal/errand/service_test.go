package errand

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar1510/errands/internal/apperror"
	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/models"
	"github.com/ammar1510/errands/internal/notify"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.LifecycleEvent
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if le, ok := e.(*events.LifecycleEvent); ok {
		r.events = append(r.events, le)
	}
}

func (r *recorder) last() *events.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) find(action models.Action) *events.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Action == action {
			return r.events[i]
		}
	}
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupServiceTest(t *testing.T) (*Service, *database.MemoryDB, *recorder, *clock) {
	db := database.NewMemoryDB()
	rec := &recorder{}
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(db, rec, DefaultOptions())
	svc.SetClock(clk.now)
	return svc, db, rec, clk
}

func ptr[T any](v T) *T { return &v }

func validRequest() *models.CreateErrandRequest {
	return &models.CreateErrandRequest{
		Title:    "Pick up dry cleaning",
		Lat:      ptr(37.1997),
		Lng:      ptr(126.8313),
		Address:  "Hwaseong-si, Gyeonggi-do",
		Reward:   8000,
		Category: models.CategoryDelivery,
	}
}

func createErrand(t *testing.T, svc *Service, requester uuid.UUID) *models.Errand {
	e, err := svc.Create(context.Background(), requester, validRequest())
	require.NoError(t, err)
	return e
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, clk := setupServiceTest(t)
	requester := uuid.New()

	tests := []struct {
		name   string
		mutate func(r *models.CreateErrandRequest)
		field  string
	}{
		{"blank title", func(r *models.CreateErrandRequest) { r.Title = "  " }, "title"},
		{"missing address", func(r *models.CreateErrandRequest) { r.Address = "" }, "address"},
		{"missing lat", func(r *models.CreateErrandRequest) { r.Lat = nil }, "location"},
		{"latitude out of range", func(r *models.CreateErrandRequest) { r.Lat = ptr(91.0) }, "location"},
		{"zero reward", func(r *models.CreateErrandRequest) { r.Reward = 0 }, "reward"},
		{"reward too large", func(r *models.CreateErrandRequest) { r.Reward = 1_000_001 }, "reward"},
		{"bad currency", func(r *models.CreateErrandRequest) { r.Currency = "WON!" }, "currency"},
		{"unknown category", func(r *models.CreateErrandRequest) { r.Category = "gardening" }, "category"},
		{"too many images", func(r *models.CreateErrandRequest) { r.Images = []string{"a", "b", "c", "d", "e", "f"} }, "images"},
		{"past deadline", func(r *models.CreateErrandRequest) { r.Deadline = ptr(clk.t.Add(-time.Hour)) }, "deadline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := svc.Create(context.Background(), requester, req)
			var verr *apperror.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	svc, _, _, clk := setupServiceTest(t)
	requester := uuid.New()

	e := createErrand(t, svc, requester)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, "KRW", e.Reward.Currency)
	assert.Equal(t, requester, e.RequestedBy)
	assert.Nil(t, e.AcceptedBy)
	assert.Equal(t, []string{}, e.Images)
	assert.Equal(t, clk.t, e.CreatedAt)
	assert.NoError(t, e.CheckInvariants())
}

func TestAcceptRace(t *testing.T) {
	svc, _, rec, _ := setupServiceTest(t)
	e := createErrand(t, svc, uuid.New())

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []uuid.UUID
		alreadys int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			_, err := svc.Accept(context.Background(), e.ID, p)
			var already *apperror.AlreadyAcceptedError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, p)
			case errors.As(err, &already):
				alreadys++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uuid.New())
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, alreadys)

	got, err := svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, winners[0], *got.AcceptedBy)

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.ActionAccept, rec.events[0].Action)
	assert.Equal(t, winners[0], rec.events[0].Performer)
}

func TestAcceptOwnErrandIsUnauthorized(t *testing.T) {
	svc, _, rec, _ := setupServiceTest(t)
	requester := uuid.New()
	e := createErrand(t, svc, requester)

	_, err := svc.Accept(context.Background(), e.ID, requester)
	var unauthorized *apperror.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	got, err := svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.AcceptedBy)
	assert.Empty(t, rec.events)
}

func TestAcceptOneActiveErrandPerPerformer(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	ctx := context.Background()
	performer := uuid.New()
	first := createErrand(t, svc, uuid.New())
	second := createErrand(t, svc, uuid.New())

	_, err := svc.Accept(ctx, first.ID, performer)
	require.NoError(t, err)

	_, err = svc.Accept(ctx, second.ID, performer)
	var conflict *apperror.ConflictError
	require.ErrorAs(t, err, &conflict)

	// Completing the first frees the performer.
	_, err = svc.SubmitComplete(ctx, first.ID, performer, &models.CompleteRequest{ProofImage: "p.jpg", Message: "done"})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, second.ID, performer)
	assert.NoError(t, err)
}

func TestAcceptMissingErrand(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	_, err := svc.Accept(context.Background(), uuid.New(), uuid.New())
	var notFound *apperror.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestHappyPathKeepsInvariant(t *testing.T) {
	svc, _, rec, clk := setupServiceTest(t)
	ctx := context.Background()
	requester, performer := uuid.New(), uuid.New()
	e := createErrand(t, svc, requester)

	steps := []func() (*models.Errand, error){
		func() (*models.Errand, error) { return svc.Accept(ctx, e.ID, performer) },
		func() (*models.Errand, error) { return svc.Begin(ctx, e.ID, performer) },
		func() (*models.Errand, error) {
			return svc.SubmitComplete(ctx, e.ID, performer, &models.CompleteRequest{ProofImage: "proof/1.jpg", Message: "left at door"})
		},
		func() (*models.Errand, error) { return svc.Finalize(ctx, e.ID, requester) },
	}
	want := []models.Status{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted, models.StatusPaid}

	for i, run := range steps {
		clk.advance(time.Minute)
		got, err := run()
		require.NoError(t, err)
		assert.Equal(t, want[i], got.Status)
		assert.NoError(t, got.CheckInvariants())
	}

	final, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Proof)
	assert.Equal(t, "proof/1.jpg", final.Proof.ImageRef)
	assert.Equal(t, performer, *final.AcceptedBy)

	require.Len(t, rec.events, 4)
	last := rec.last()
	assert.Equal(t, models.StatusCompleted, last.From)
	assert.Equal(t, models.StatusPaid, last.To)
	assert.Equal(t, requester, last.Actor)
	assert.Equal(t, performer, last.Performer)
}

func TestTransitionAuthorization(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	ctx := context.Background()
	requester, performer, stranger := uuid.New(), uuid.New(), uuid.New()
	e := createErrand(t, svc, requester)
	_, err := svc.Accept(ctx, e.ID, performer)
	require.NoError(t, err)

	var unauthorized *apperror.UnauthorizedError
	_, err = svc.Begin(ctx, e.ID, stranger)
	assert.ErrorAs(t, err, &unauthorized)
	_, err = svc.SubmitComplete(ctx, e.ID, requester, &models.CompleteRequest{ProofImage: "p", Message: "m"})
	assert.ErrorAs(t, err, &unauthorized)
	_, err = svc.Cancel(ctx, e.ID, performer, "")
	assert.ErrorAs(t, err, &unauthorized)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestInvalidStateNamesRequiredStatuses(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	requester := uuid.New()
	e := createErrand(t, svc, requester)

	_, err := svc.Dispute(context.Background(), e.ID, requester, "not done")
	var invalid *apperror.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "pending", invalid.Current)
	assert.Equal(t, []string{"completed"}, invalid.Required)
}

func TestSubmitCompleteRequiresProof(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	ctx := context.Background()
	performer := uuid.New()
	e := createErrand(t, svc, uuid.New())
	_, err := svc.Accept(ctx, e.ID, performer)
	require.NoError(t, err)

	var verr *apperror.ValidationError
	_, err = svc.SubmitComplete(ctx, e.ID, performer, &models.CompleteRequest{Message: "done"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "proof_image", verr.Field)

	_, err = svc.SubmitComplete(ctx, e.ID, performer, &models.CompleteRequest{ProofImage: "p.jpg", Message: " "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message", verr.Field)
}

func completedErrand(t *testing.T, svc *Service) (e *models.Errand, requester, performer uuid.UUID) {
	ctx := context.Background()
	requester, performer = uuid.New(), uuid.New()
	e = createErrand(t, svc, requester)
	_, err := svc.Accept(ctx, e.ID, performer)
	require.NoError(t, err)
	e, err = svc.SubmitComplete(ctx, e.ID, performer, &models.CompleteRequest{ProofImage: "p.jpg", Message: "done"})
	require.NoError(t, err)
	return e, requester, performer
}

func TestDisputeWindow(t *testing.T) {
	svc, _, _, clk := setupServiceTest(t)
	ctx := context.Background()

	open, requester, _ := completedErrand(t, svc)
	clk.advance(24 * time.Hour)
	got, err := svc.Dispute(ctx, open.ID, requester, "items missing")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, got.Status)
	assert.Equal(t, "items missing", got.DisputeReason)

	late, requester, _ := completedErrand(t, svc)
	clk.advance(73 * time.Hour)
	_, err = svc.Dispute(ctx, late.ID, requester, "too late")
	var unauthorized *apperror.UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestResolve(t *testing.T) {
	svc, _, rec, _ := setupServiceTest(t)
	ctx := context.Background()
	admin := &models.User{ID: uuid.New(), Role: models.UserRoleAdmin}

	e, requester, performer := completedErrand(t, svc)
	_, err := svc.Dispute(ctx, e.ID, requester, "bad job")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, e.ID, &models.User{ID: requester}, models.StatusPaid, "")
	var unauthorized *apperror.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	_, err = svc.Resolve(ctx, e.ID, admin, models.StatusCompleted, "")
	var verr *apperror.ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := svc.Resolve(ctx, e.ID, admin, models.StatusCancelled, "refund issued")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.AcceptedBy)
	assert.Equal(t, "refund issued", got.Resolution)
	assert.NoError(t, got.CheckInvariants())

	last := rec.last()
	assert.Equal(t, models.ActionResolve, last.Action)
	assert.Equal(t, performer, last.Performer, "event keeps the performer even after it is cleared")
}

func TestCancelClearsPerformerAndFreesSlot(t *testing.T) {
	svc, db, rec, _ := setupServiceTest(t)
	ctx := context.Background()
	requester, performer := uuid.New(), uuid.New()
	e := createErrand(t, svc, requester)
	_, err := svc.Accept(ctx, e.ID, performer)
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, e.ID, requester, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.AcceptedBy)
	assert.NoError(t, got.CheckInvariants())

	_, busy, err := db.ActiveErrandFor(ctx, performer)
	require.NoError(t, err)
	assert.False(t, busy)

	assert.Equal(t, performer, rec.last().Performer)

	_, err = svc.Cancel(ctx, e.ID, requester, "")
	var invalid *apperror.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

func TestNearbyDiscoveryAtomicity(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	ctx := context.Background()
	e := createErrand(t, svc, uuid.New())
	query := &models.NearbyRequest{Lat: ptr(37.1997), Lng: ptr(126.8313), Radius: 200}

	found, err := svc.Nearby(ctx, query)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, e.ID, found[0].ID)

	_, err = svc.Accept(ctx, e.ID, uuid.New())
	require.NoError(t, err)

	found, err = svc.Nearby(ctx, query)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestNearbyValidation(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	ctx := context.Background()

	_, err := svc.Nearby(ctx, &models.NearbyRequest{Lat: ptr(37.0)})
	var verr *apperror.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = svc.Nearby(ctx, &models.NearbyRequest{Lat: ptr(37.0), Lng: ptr(127.0), Radius: -1})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "radius", verr.Field)

	_, err = svc.Nearby(ctx, &models.NearbyRequest{Lat: ptr(37.0), Lng: ptr(127.0), Status: "lost"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestListMine(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	ctx := context.Background()
	requester, performer := uuid.New(), uuid.New()
	e := createErrand(t, svc, requester)
	createErrand(t, svc, requester)
	_, err := svc.Accept(ctx, e.ID, performer)
	require.NoError(t, err)

	mine, err := svc.ListMine(ctx, requester, "")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	held, err := svc.ListMine(ctx, performer, models.RolePerformer)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, e.ID, held[0].ID)

	_, err = svc.ListMine(ctx, performer, models.RoleAdmin)
	var verr *apperror.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// cancelOnCommitDB ends the caller's context as soon as an accept commits and
// fails notification writes on a finished context, as a SQL driver does.
type cancelOnCommitDB struct {
	*database.MemoryDB
	cancel context.CancelFunc
}

func (db *cancelOnCommitDB) AcceptErrand(ctx context.Context, id, performer uuid.UUID, at time.Time, outbox database.OutboxFunc) (*models.Errand, error) {
	e, err := db.MemoryDB.AcceptErrand(ctx, id, performer, at, outbox)
	db.cancel()
	return e, err
}

func (db *cancelOnCommitDB) InsertNotification(ctx context.Context, n *models.Notification) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return db.MemoryDB.InsertNotification(ctx, n)
}

func TestAcceptNotifiesAfterCallerDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := &cancelOnCommitDB{MemoryDB: database.NewMemoryDB(), cancel: cancel}
	svc := NewService(db, notify.NewDispatcher(db, nil, nil, 0), DefaultOptions())
	requester, performer := uuid.New(), uuid.New()
	e := createErrand(t, svc, requester)

	got, err := svc.Accept(ctx, e.ID, performer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	require.Error(t, ctx.Err())

	notices, err := db.ListNotifications(context.Background(), requester, false, 0)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, models.NotifyErrandAccepted, notices[0].Type)

	pending, err := db.ListUndispatchedEvents(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTransitionsWriteOutboxRows(t *testing.T) {
	svc, db, rec, clk := setupServiceTest(t)
	ctx := context.Background()
	e, _, performer := completedErrand(t, svc)

	rows, err := db.ListUndispatchedEvents(ctx, clk.t.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	published := map[uuid.UUID]*events.LifecycleEvent{}
	for _, le := range rec.events {
		published[le.ID] = le
	}
	for _, row := range rows {
		ev, err := events.Decode(row.Payload)
		require.NoError(t, err)
		le := ev.(*events.LifecycleEvent)
		assert.Equal(t, e.ID, le.ErrandID)
		assert.Equal(t, performer, le.Performer)
		want, ok := published[row.ID]
		require.True(t, ok, "outbox row %s was never published", row.ID)
		assert.Equal(t, want.To, le.To)
		assert.Equal(t, want.From, le.From)
	}
}

func TestNearbyRejectsNonFiniteRadius(t *testing.T) {
	svc, _, _, _ := setupServiceTest(t)
	for _, r := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := svc.Nearby(context.Background(), &models.NearbyRequest{Lat: ptr(37.2), Lng: ptr(126.8), Radius: r})
		var verr *apperror.ValidationError
		require.ErrorAs(t, err, &verr, "radius %v", r)
		assert.Equal(t, "radius", verr.Field)
	}
}
