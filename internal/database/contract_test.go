package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar1510/errands/internal/geo"
	"github.com/ammar1510/errands/internal/models"
)

var hwaseong = geo.Point{Lat: 37.1997, Lng: 126.8313}

// newTestErrand builds a pending errand at p created at the given time.
func newTestErrand(requester uuid.UUID, p geo.Point, createdAt time.Time) *models.Errand {
	return &models.Errand{
		ID:          uuid.New(),
		Title:       "Buy groceries",
		Description: "Milk and eggs",
		Location:    models.Location{Point: p, Address: "Hwaseong-si"},
		Reward:      models.Reward{Amount: 5000, Currency: "KRW"},
		RequestedBy: requester,
		Status:      models.StatusPending,
		Category:    models.CategoryShopping,
		Images:      []string{},
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// runStoreContract exercises the behavior every DBInterface must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) DBInterface) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("create and get errand", func(t *testing.T) {
		db := newStore(t)
		e := newTestErrand(uuid.New(), hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))

		got, err := db.GetErrand(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.Title, got.Title)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Nil(t, got.AcceptedBy)
		assert.InDelta(t, hwaseong.Lat, got.Location.Lat, 1e-9)

		_, err = db.GetErrand(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrErrandNotFound)
	})

	t.Run("concurrent accept has exactly one winner", func(t *testing.T) {
		db := newStore(t)
		e := newTestErrand(uuid.New(), hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))

		const performers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []uuid.UUID
			losses  int
		)
		start := make(chan struct{})
		for i := 0; i < performers; i++ {
			wg.Add(1)
			go func(p uuid.UUID) {
				defer wg.Done()
				<-start
				_, err := db.AcceptErrand(ctx, e.ID, p, base.Add(time.Minute), nil)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, p)
				case errors.Is(err, ErrAlreadyAccepted):
					losses++
				default:
					t.Errorf("unexpected accept error: %v", err)
				}
			}(uuid.New())
		}
		close(start)
		wg.Wait()

		require.Len(t, winners, 1)
		assert.Equal(t, performers-1, losses)

		got, err := db.GetErrand(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, got.Status)
		require.NotNil(t, got.AcceptedBy)
		assert.Equal(t, winners[0], *got.AcceptedBy)
		assert.NoError(t, got.CheckInvariants())
	})

	t.Run("accept rejects self and busy performers", func(t *testing.T) {
		db := newStore(t)
		requester := uuid.New()
		performer := uuid.New()
		first := newTestErrand(requester, hwaseong, base)
		second := newTestErrand(requester, hwaseong, base.Add(time.Second))
		require.NoError(t, db.CreateErrand(ctx, first))
		require.NoError(t, db.CreateErrand(ctx, second))

		_, err := db.AcceptErrand(ctx, first.ID, requester, base, nil)
		assert.ErrorIs(t, err, ErrSelfAccept)

		_, err = db.AcceptErrand(ctx, first.ID, performer, base, nil)
		require.NoError(t, err)

		_, err = db.AcceptErrand(ctx, second.ID, performer, base, nil)
		assert.ErrorIs(t, err, ErrPerformerBusy)

		got, err := db.GetErrand(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status, "failed accept must not change state")

		id, ok, err := db.ActiveErrandFor(ctx, performer)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.ID, id)

		_, err = db.AcceptErrand(ctx, uuid.New(), performer, base, nil)
		assert.ErrorIs(t, err, ErrErrandNotFound)
	})

	t.Run("transition releases active slot", func(t *testing.T) {
		db := newStore(t)
		performer := uuid.New()
		e := newTestErrand(uuid.New(), hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))
		_, err := db.AcceptErrand(ctx, e.ID, performer, base, nil)
		require.NoError(t, err)

		done := base.Add(time.Hour)
		got, err := db.TransitionErrand(ctx, Transition{
			ErrandID: e.ID,
			From:     []models.Status{models.StatusAccepted, models.StatusInProgress},
			To:       models.StatusCompleted,
			At:       done,
			Apply: func(e *models.Errand) {
				e.CompletedAt = &done
				e.Proof = &models.CompletionProof{ImageRef: "proof.jpg", Message: "done", SubmittedAt: done}
			},
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.Proof)
		assert.Equal(t, "proof.jpg", got.Proof.ImageRef)

		_, ok, err := db.ActiveErrandFor(ctx, performer)
		require.NoError(t, err)
		assert.False(t, ok)

		stored, err := db.GetErrand(ctx, e.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.Proof)
		assert.Equal(t, "done", stored.Proof.Message)
	})

	t.Run("transition condition failures", func(t *testing.T) {
		db := newStore(t)
		e := newTestErrand(uuid.New(), hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))

		_, err := db.TransitionErrand(ctx, Transition{
			ErrandID: e.ID, From: []models.Status{models.StatusCompleted}, To: models.StatusDisputed, At: base,
		})
		var mismatch *StatusMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, models.StatusPending, mismatch.Current)

		denied := errors.New("denied")
		_, err = db.TransitionErrand(ctx, Transition{
			ErrandID: e.ID, From: []models.Status{models.StatusPending}, To: models.StatusCancelled, At: base,
			Check: func(*models.Errand) error { return denied },
		})
		assert.ErrorIs(t, err, denied)

		got, err := db.GetErrand(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)

		_, err = db.TransitionErrand(ctx, Transition{
			ErrandID: uuid.New(), From: []models.Status{models.StatusPending}, To: models.StatusCancelled, At: base,
		})
		assert.ErrorIs(t, err, ErrErrandNotFound)
	})

	t.Run("nearby sorts by distance then creation", func(t *testing.T) {
		db := newStore(t)
		requester := uuid.New()
		far := newTestErrand(requester, geo.Point{Lat: 37.2030, Lng: 126.8313}, base)
		nearLate := newTestErrand(requester, geo.Point{Lat: 37.2000, Lng: 126.8313}, base.Add(2*time.Second))
		nearEarly := newTestErrand(requester, geo.Point{Lat: 37.2000, Lng: 126.8313}, base.Add(time.Second))
		outside := newTestErrand(requester, geo.Point{Lat: 37.3, Lng: 126.8313}, base)
		cleaning := newTestErrand(requester, geo.Point{Lat: 37.1998, Lng: 126.8313}, base)
		cleaning.Category = models.CategoryCleaning
		for _, e := range []*models.Errand{far, nearLate, nearEarly, outside, cleaning} {
			require.NoError(t, db.CreateErrand(ctx, e))
		}

		got, err := db.NearbyErrands(ctx, NearbyQuery{
			Center: hwaseong, RadiusMeters: 1000, Status: models.StatusPending,
		})
		require.NoError(t, err)
		ids := make([]uuid.UUID, len(got))
		for i, n := range got {
			ids[i] = n.ID
		}
		assert.Equal(t, []uuid.UUID{cleaning.ID, nearEarly.ID, nearLate.ID, far.ID}, ids)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].DistanceMeters, got[i].DistanceMeters)
		}

		got, err = db.NearbyErrands(ctx, NearbyQuery{
			Center: hwaseong, RadiusMeters: 1000, Status: models.StatusPending,
			Category: models.CategoryCleaning,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, cleaning.ID, got[0].ID)
	})

	t.Run("accepted errands leave discovery", func(t *testing.T) {
		db := newStore(t)
		e := newTestErrand(uuid.New(), hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))
		q := NearbyQuery{Center: hwaseong, RadiusMeters: 200, Status: models.StatusPending}

		got, err := db.NearbyErrands(ctx, q)
		require.NoError(t, err)
		require.Len(t, got, 1)

		_, err = db.AcceptErrand(ctx, e.ID, uuid.New(), base, nil)
		require.NoError(t, err)

		got, err = db.NearbyErrands(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("sweep queries", func(t *testing.T) {
		db := newStore(t)
		requester := uuid.New()
		overdue := newTestErrand(requester, hwaseong, base)
		deadline := base.Add(-time.Minute)
		overdue.Deadline = &deadline
		open := newTestErrand(requester, hwaseong, base)
		later := base.Add(time.Hour)
		open.Deadline = &later
		require.NoError(t, db.CreateErrand(ctx, overdue))
		require.NoError(t, db.CreateErrand(ctx, open))

		due, err := db.ListPendingPastDeadline(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, overdue.ID, due[0].ID)

		_, err = db.AcceptErrand(ctx, open.ID, uuid.New(), base, nil)
		require.NoError(t, err)
		completedAt := base.Add(time.Minute)
		_, err = db.TransitionErrand(ctx, Transition{
			ErrandID: open.ID, From: []models.Status{models.StatusAccepted}, To: models.StatusCompleted, At: completedAt,
			Apply: func(e *models.Errand) { e.CompletedAt = &completedAt },
		})
		require.NoError(t, err)

		ready, err := db.ListDueForFinalize(ctx, completedAt, 10)
		require.NoError(t, err)
		assert.Empty(t, ready, "the cutoff itself is still inside the window")

		ready, err = db.ListDueForFinalize(ctx, completedAt.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, open.ID, ready[0].ID)
	})

	t.Run("outbox rows commit with the status change", func(t *testing.T) {
		db := newStore(t)
		e := newTestErrand(uuid.New(), hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))

		outbox := func(at time.Time) OutboxFunc {
			return func(after *models.Errand) (*OutboxEvent, error) {
				return &OutboxEvent{
					ID:        uuid.New(),
					ErrandID:  after.ID,
					Payload:   []byte(`{"type":"lifecycle_update","payload":{"to_status":"` + string(after.Status) + `"}}`),
					CreatedAt: at,
				}, nil
			}
		}

		_, err := db.AcceptErrand(ctx, e.ID, uuid.New(), base, outbox(base))
		require.NoError(t, err)

		// A rejected transition leaves no row behind.
		_, err = db.TransitionErrand(ctx, Transition{
			ErrandID: e.ID, From: []models.Status{models.StatusAccepted}, To: models.StatusInProgress, At: base,
			Check:  func(*models.Errand) error { return errors.New("nope") },
			Outbox: outbox(base),
		})
		require.Error(t, err)

		// A failing builder aborts the transition.
		_, err = db.TransitionErrand(ctx, Transition{
			ErrandID: e.ID, From: []models.Status{models.StatusAccepted}, To: models.StatusInProgress, At: base,
			Outbox: func(*models.Errand) (*OutboxEvent, error) { return nil, errors.New("encode failed") },
		})
		require.Error(t, err)
		got, err := db.GetErrand(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, got.Status)

		_, err = db.TransitionErrand(ctx, Transition{
			ErrandID: e.ID, From: []models.Status{models.StatusAccepted}, To: models.StatusInProgress,
			At: base.Add(time.Minute), Outbox: outbox(base.Add(time.Minute)),
		})
		require.NoError(t, err)

		pending, err := db.ListUndispatchedEvents(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, e.ID, pending[0].ErrandID)
		assert.JSONEq(t, `{"type":"lifecycle_update","payload":{"to_status":"accepted"}}`, string(pending[0].Payload))
		assert.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt))

		older, err := db.ListUndispatchedEvents(ctx, base.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, older, 1)

		require.NoError(t, db.MarkEventDispatched(ctx, pending[0].ID, base.Add(time.Hour)))
		require.NoError(t, db.MarkEventDispatched(ctx, pending[0].ID, base.Add(2*time.Hour)))
		require.NoError(t, db.MarkEventDispatched(ctx, uuid.New(), base))

		pending, err = db.ListUndispatchedEvents(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.JSONEq(t, `{"type":"lifecycle_update","payload":{"to_status":"in_progress"}}`, string(pending[0].Payload))
	})

	t.Run("list errands by role", func(t *testing.T) {
		db := newStore(t)
		requester := uuid.New()
		performer := uuid.New()
		e := newTestErrand(requester, hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))
		_, err := db.AcceptErrand(ctx, e.ID, performer, base, nil)
		require.NoError(t, err)

		mine, err := db.ListErrandsByUser(ctx, requester, models.RoleRequester)
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		held, err := db.ListErrandsByUser(ctx, performer, models.RolePerformer)
		require.NoError(t, err)
		assert.Len(t, held, 1)

		none, err := db.ListErrandsByUser(ctx, performer, models.RoleRequester)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("chat messages are ordered and watermarks monotonic", func(t *testing.T) {
		db := newStore(t)
		requester := uuid.New()
		performer := uuid.New()
		e := newTestErrand(requester, hwaseong, base)
		require.NoError(t, db.CreateErrand(ctx, e))

		chat := &models.Chat{
			ID: uuid.New(), ErrandID: e.ID, Participants: []uuid.UUID{requester, performer},
			CreatedAt: base, UpdatedAt: base,
		}
		created, err := db.CreateChat(ctx, chat)
		require.NoError(t, err)

		again, err := db.CreateChat(ctx, &models.Chat{
			ID: uuid.New(), ErrandID: e.ID, Participants: []uuid.UUID{requester, uuid.New()},
			CreatedAt: base, UpdatedAt: base,
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID, "one chat per errand")
		assert.ElementsMatch(t, []uuid.UUID{requester, performer}, again.Participants)

		senders := []uuid.UUID{requester, performer, requester}
		for i, s := range senders {
			_, err := db.AppendMessage(ctx, &models.Message{
				ID: uuid.New(), ChatID: chat.ID, SenderID: s,
				Content: []string{"m1", "m2", "m3"}[i], Type: models.MessageText,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		msgs, err := db.ListMessages(ctx, chat.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq)
			assert.Equal(t, []string{"m1", "m2", "m3"}[i], m.Content)
		}

		after, err := db.ListMessages(ctx, chat.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, "m2", after[0].Content)

		got, err := db.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastMessage)
		assert.Equal(t, "m3", got.LastMessage.Content)
		assert.Equal(t, int64(3), got.LastSeq)

		unread, err := db.CountUnreadMessages(ctx, chat.ID, performer)
		require.NoError(t, err)
		assert.Equal(t, 2, unread)

		t2 := base.Add(2 * time.Second)
		w, err := db.AdvanceReadWatermark(ctx, chat.ID, performer, t2)
		require.NoError(t, err)
		assert.True(t, w.Equal(t2))

		w, err = db.AdvanceReadWatermark(ctx, chat.ID, performer, base)
		require.NoError(t, err)
		assert.True(t, w.Equal(t2), "watermark must not regress")

		unread, err = db.CountUnreadMessages(ctx, chat.ID, performer)
		require.NoError(t, err)
		assert.Equal(t, 0, unread)

		listed, err := db.ListChatsByUser(ctx, performer)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.True(t, listed[0].ReadWatermarks[performer].Equal(t2))

		_, err = db.AppendMessage(ctx, &models.Message{ID: uuid.New(), ChatID: uuid.New(), SenderID: requester, Content: "x", Type: models.MessageText, CreatedAt: base})
		assert.ErrorIs(t, err, ErrChatNotFound)
		_, err = db.GetChatByErrand(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("notifications are idempotent per event and user", func(t *testing.T) {
		db := newStore(t)
		user := uuid.New()
		eventID := uuid.New()
		n := &models.Notification{
			ID: uuid.New(), EventID: eventID, UserID: user, Type: models.NotifyErrandAccepted,
			Title: "Accepted", RelatedErrand: &models.ErrandSnapshot{ID: uuid.New(), Title: "t", Status: models.StatusAccepted},
			CreatedAt: base,
		}

		inserted, err := db.InsertNotification(ctx, n)
		require.NoError(t, err)
		assert.True(t, inserted)

		dup := *n
		dup.ID = uuid.New()
		inserted, err = db.InsertNotification(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		second := &models.Notification{
			ID: uuid.New(), EventID: uuid.New(), UserID: user, Type: models.NotifySystem,
			Title: "System", CreatedAt: base.Add(time.Second),
		}
		_, err = db.InsertNotification(ctx, second)
		require.NoError(t, err)

		list, err := db.ListNotifications(ctx, user, false, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "newest first")
		require.NotNil(t, list[1].RelatedErrand)
		assert.Equal(t, models.StatusAccepted, list[1].RelatedErrand.Status)

		count, err := db.CountUnreadNotifications(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, db.MarkNotificationRead(ctx, n.ID, user, base))
		assert.ErrorIs(t, db.MarkNotificationRead(ctx, n.ID, uuid.New(), base), ErrNotificationNotFound)

		unread, err := db.ListNotifications(ctx, user, true, 0)
		require.NoError(t, err)
		require.Len(t, unread, 1)
		assert.Equal(t, second.ID, unread[0].ID)

		marked, err := db.MarkAllNotificationsRead(ctx, user, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), marked)

		count, err = db.CountUnreadNotifications(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}
