package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/geo"
	"github.com/ammar1510/errands/internal/models"
)

type notificationKey struct {
	event uuid.UUID
	user  uuid.UUID
}

// MemoryDB is a process-local implementation of DBInterface. One mutex
// serializes writers, which gives every conditional write the same
// atomicity the PostgreSQL backend gets from row locks. It backs tests and
// single-instance development servers.
type MemoryDB struct {
	mu sync.RWMutex

	errands map[uuid.UUID]*models.Errand
	// active maps performer -> errand currently accepted or in progress.
	active map[uuid.UUID]uuid.UUID

	chats        map[uuid.UUID]*models.Chat
	chatByErrand map[uuid.UUID]uuid.UUID
	messages     map[uuid.UUID][]*models.Message

	notifications    map[uuid.UUID]*models.Notification
	notificationKeys map[notificationKey]uuid.UUID

	outbox map[uuid.UUID]*OutboxEvent
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		errands:          make(map[uuid.UUID]*models.Errand),
		active:           make(map[uuid.UUID]uuid.UUID),
		chats:            make(map[uuid.UUID]*models.Chat),
		chatByErrand:     make(map[uuid.UUID]uuid.UUID),
		messages:         make(map[uuid.UUID][]*models.Message),
		notifications:    make(map[uuid.UUID]*models.Notification),
		notificationKeys: make(map[notificationKey]uuid.UUID),
		outbox:           make(map[uuid.UUID]*OutboxEvent),
	}
}

func (db *MemoryDB) CreateErrand(_ context.Context, e *models.Errand) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.errands[e.ID] = e.Clone()
	return nil
}

func (db *MemoryDB) GetErrand(_ context.Context, id uuid.UUID) (*models.Errand, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	e, ok := db.errands[id]
	if !ok {
		return nil, ErrErrandNotFound
	}
	return e.Clone(), nil
}

func (db *MemoryDB) AcceptErrand(_ context.Context, id, performer uuid.UUID, at time.Time, outbox OutboxFunc) (*models.Errand, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.errands[id]
	if !ok {
		return nil, ErrErrandNotFound
	}
	if e.RequestedBy == performer {
		return nil, ErrSelfAccept
	}
	if e.Status != models.StatusPending {
		return nil, ErrAlreadyAccepted
	}
	if _, busy := db.active[performer]; busy {
		return nil, ErrPerformerBusy
	}

	next := e.Clone()
	next.Status = models.StatusAccepted
	next.AcceptedBy = &performer
	next.AcceptedAt = &at
	next.UpdatedAt = at
	if err := db.recordOutbox(outbox, next); err != nil {
		return nil, err
	}

	db.errands[id] = next
	db.active[performer] = id
	return next.Clone(), nil
}

func (db *MemoryDB) TransitionErrand(_ context.Context, t Transition) (*models.Errand, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	current, ok := db.errands[t.ErrandID]
	if !ok {
		return nil, ErrErrandNotFound
	}
	if !slices.Contains(t.From, current.Status) {
		return nil, &StatusMismatchError{Current: current.Status}
	}
	if t.Check != nil {
		if err := t.Check(current.Clone()); err != nil {
			return nil, err
		}
	}

	next := current.Clone()
	from := next.Status
	performer := next.Performer()
	if t.Apply != nil {
		t.Apply(next)
	}
	next.Status = t.To
	next.UpdatedAt = t.At
	if err := db.recordOutbox(t.Outbox, next); err != nil {
		return nil, err
	}

	if leavesActive(from, t.To) && performer != uuid.Nil && db.active[performer] == t.ErrandID {
		delete(db.active, performer)
	}
	db.errands[t.ErrandID] = next
	return next.Clone(), nil
}

func (db *MemoryDB) NearbyErrands(_ context.Context, q NearbyQuery) ([]*models.NearbyErrand, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	box := geo.BoundingBox(q.Center, q.RadiusMeters)
	var out []*models.NearbyErrand
	for _, e := range db.errands {
		if e.Status != q.Status {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if !box.Contains(e.Location.Point) {
			continue
		}
		d := geo.Distance(q.Center, e.Location.Point)
		if d > q.RadiusMeters {
			continue
		}
		out = append(out, &models.NearbyErrand{Errand: e.Clone(), DistanceMeters: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := clampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *MemoryDB) ListErrandsByUser(_ context.Context, user uuid.UUID, role models.Role) ([]*models.Errand, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*models.Errand
	for _, e := range db.errands {
		if (role == models.RoleRequester && e.RequestedBy == user) ||
			(role == models.RolePerformer && e.IsPerformer(user)) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (db *MemoryDB) ListDueForFinalize(_ context.Context, completedBefore time.Time, limit int) ([]*models.Errand, error) {
	return db.filterErrands(limit, func(e *models.Errand) bool {
		return e.Status == models.StatusCompleted && e.CompletedAt != nil && e.CompletedAt.Before(completedBefore)
	}), nil
}

func (db *MemoryDB) ListPendingPastDeadline(_ context.Context, now time.Time, limit int) ([]*models.Errand, error) {
	return db.filterErrands(limit, func(e *models.Errand) bool {
		return e.Status == models.StatusPending && e.Deadline != nil && e.Deadline.Before(now)
	}), nil
}

func (db *MemoryDB) filterErrands(limit int, keep func(*models.Errand) bool) []*models.Errand {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*models.Errand
	for _, e := range db.errands {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (db *MemoryDB) ActiveErrandFor(_ context.Context, performer uuid.UUID) (uuid.UUID, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	id, ok := db.active[performer]
	return id, ok, nil
}

func (db *MemoryDB) CreateChat(_ context.Context, chat *models.Chat) (*models.Chat, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.errands[chat.ErrandID]; !ok {
		return nil, ErrErrandNotFound
	}
	if id, ok := db.chatByErrand[chat.ErrandID]; ok {
		return db.chats[id].Clone(), nil
	}
	c := chat.Clone()
	db.chats[c.ID] = c
	db.chatByErrand[c.ErrandID] = c.ID
	return c.Clone(), nil
}

func (db *MemoryDB) GetChat(_ context.Context, id uuid.UUID) (*models.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return c.Clone(), nil
}

func (db *MemoryDB) GetChatByErrand(_ context.Context, errandID uuid.UUID) (*models.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	id, ok := db.chatByErrand[errandID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return db.chats[id].Clone(), nil
}

func (db *MemoryDB) ListChatsByUser(_ context.Context, user uuid.UUID) ([]*models.Chat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*models.Chat
	for _, c := range db.chats {
		if c.HasParticipant(user) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (db *MemoryDB) AppendMessage(_ context.Context, m *models.Message) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.chats[m.ChatID]
	if !ok {
		return nil, ErrChatNotFound
	}

	msg := *m
	msg.Seq = c.LastSeq + 1
	// Timestamps never go backwards within a chat so read watermarks stay
	// consistent with sequence order.
	if c.LastMessage != nil && msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
		msg.CreatedAt = c.LastMessage.CreatedAt
	}

	db.messages[c.ID] = append(db.messages[c.ID], &msg)
	c.LastSeq = msg.Seq
	last := msg
	c.LastMessage = &last
	c.UpdatedAt = msg.CreatedAt

	out := msg
	return &out, nil
}

func (db *MemoryDB) ListMessages(_ context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if _, ok := db.chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	limit = clampLimit(limit)
	var out []*models.Message
	for _, m := range db.messages[chatID] {
		if m.Seq <= afterSeq {
			continue
		}
		c := *m
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (db *MemoryDB) CountUnreadMessages(_ context.Context, chatID, reader uuid.UUID) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.chats[chatID]
	if !ok {
		return 0, ErrChatNotFound
	}
	watermark := c.ReadWatermarks[reader]
	n := 0
	for _, m := range db.messages[chatID] {
		if !m.ReadBy(reader, watermark) {
			n++
		}
	}
	return n, nil
}

func (db *MemoryDB) AdvanceReadWatermark(_ context.Context, chatID, reader uuid.UUID, upto time.Time) (time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.chats[chatID]
	if !ok {
		return time.Time{}, ErrChatNotFound
	}
	if c.ReadWatermarks == nil {
		c.ReadWatermarks = make(map[uuid.UUID]time.Time)
	}
	if current := c.ReadWatermarks[reader]; upto.After(current) {
		c.ReadWatermarks[reader] = upto
	}
	return c.ReadWatermarks[reader], nil
}

func (db *MemoryDB) InsertNotification(_ context.Context, n *models.Notification) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := notificationKey{event: n.EventID, user: n.UserID}
	if _, exists := db.notificationKeys[key]; exists {
		return false, nil
	}
	c := *n
	if n.RelatedErrand != nil {
		snap := *n.RelatedErrand
		c.RelatedErrand = &snap
	}
	db.notifications[c.ID] = &c
	db.notificationKeys[key] = c.ID
	return true, nil
}

func (db *MemoryDB) ListNotifications(_ context.Context, user uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*models.Notification
	for _, n := range db.notifications {
		if n.UserID != user || (unreadOnly && n.IsRead) {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *MemoryDB) CountUnreadNotifications(_ context.Context, user uuid.UUID) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	n := 0
	for _, notif := range db.notifications {
		if notif.UserID == user && !notif.IsRead {
			n++
		}
	}
	return n, nil
}

func (db *MemoryDB) MarkNotificationRead(_ context.Context, id, user uuid.UUID, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	n, ok := db.notifications[id]
	if !ok || n.UserID != user {
		return ErrNotificationNotFound
	}
	if !n.IsRead {
		n.IsRead = true
		n.ReadAt = &at
	}
	return nil
}

func (db *MemoryDB) MarkAllNotificationsRead(_ context.Context, user uuid.UUID, at time.Time) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count int64
	for _, n := range db.notifications {
		if n.UserID == user && !n.IsRead {
			n.IsRead = true
			readAt := at
			n.ReadAt = &readAt
			count++
		}
	}
	return count, nil
}

func (db *MemoryDB) Ping(context.Context) error { return nil }

func (db *MemoryDB) Close() error { return nil }

// recordOutbox stores the row built by fn. Callers hold the write lock and
// have not mutated any state yet, so an error leaves the store unchanged.
func (db *MemoryDB) recordOutbox(fn OutboxFunc, after *models.Errand) error {
	if fn == nil {
		return nil
	}
	ev, err := fn(after.Clone())
	if err != nil {
		return fmt.Errorf("build outbox event: %w", err)
	}
	row := *ev
	row.Payload = slices.Clone(ev.Payload)
	db.outbox[row.ID] = &row
	return nil
}

func (db *MemoryDB) ListUndispatchedEvents(_ context.Context, createdBefore time.Time, limit int) ([]*OutboxEvent, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*OutboxEvent
	for _, ev := range db.outbox {
		if ev.DispatchedAt == nil && ev.CreatedAt.Before(createdBefore) {
			row := *ev
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *MemoryDB) MarkEventDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ev, ok := db.outbox[id]; ok && ev.DispatchedAt == nil {
		ev.DispatchedAt = &at
	}
	return nil
}
