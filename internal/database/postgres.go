package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ammar1510/errands/internal/geo"
	"github.com/ammar1510/errands/internal/models"
)

//go:embed schema.sql
var schema string

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

const errandColumns = `id, title, description, lat, lng, address, reward_amount, reward_currency,
	requested_by, accepted_by, status, category, deadline, images,
	proof_image, proof_message, proof_submitted_at, dispute_reason, cancel_reason, resolution,
	accepted_at, completed_at, created_at, updated_at`

const chatSelect = `SELECT c.id, c.errand_id, c.participants, c.last_seq, c.created_at, c.updated_at,
	m.id, m.seq, m.sender_id, m.content, m.message_type, m.created_at
	FROM chats c
	LEFT JOIN messages m ON m.chat_id = c.id AND m.seq = c.last_seq`

const notificationColumns = `id, event_id, user_id, type, title, body, is_read,
	related_errand_id, related_errand_title, related_errand_status, created_at, read_at`

type PostgresDB struct {
	*sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresDB{db}, nil
}

// Migrate creates the tables and indexes if they do not exist yet.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *PostgresDB) Close() error {
	return db.DB.Close()
}

func (db *PostgresDB) CreateErrand(ctx context.Context, e *models.Errand) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO errands (`+errandColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		errandArgs(e)...,
	)
	if err != nil {
		return fmt.Errorf("insert errand: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetErrand(ctx context.Context, id uuid.UUID) (*models.Errand, error) {
	e, err := scanErrand(db.QueryRowContext(ctx, `SELECT `+errandColumns+` FROM errands WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrErrandNotFound
	}
	return e, err
}

// AcceptErrand performs the pending→accepted compare-and-swap. The UPDATE's
// WHERE clause is the only guard: under concurrent attempts PostgreSQL
// re-evaluates it after the first writer commits, so exactly one succeeds.
// The performer_active insert in the same transaction enforces one active
// errand per performer.
func (db *PostgresDB) AcceptErrand(ctx context.Context, id, performer uuid.UUID, at time.Time, outbox OutboxFunc) (*models.Errand, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := scanErrand(tx.QueryRowContext(ctx,
		`UPDATE errands
		SET status = 'accepted', accepted_by = $2, accepted_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending' AND requested_by <> $2
		RETURNING `+errandColumns,
		id, performer, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, db.acceptFailure(ctx, id, performer)
	}
	if err != nil {
		return nil, fmt.Errorf("accept errand: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO performer_active (performer_id, errand_id, since) VALUES ($1, $2, $3)`,
		performer, id, at,
	)
	if isPQError(err, pqUniqueViolation) {
		return nil, ErrPerformerBusy
	}
	if err != nil {
		return nil, fmt.Errorf("record active errand: %w", err)
	}
	if err := insertOutbox(ctx, tx, outbox, e); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	return e, nil
}

// acceptFailure explains why the conditional accept matched no row.
func (db *PostgresDB) acceptFailure(ctx context.Context, id, performer uuid.UUID) error {
	var requestedBy uuid.UUID
	err := db.QueryRowContext(ctx, `SELECT requested_by FROM errands WHERE id = $1`, id).Scan(&requestedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrErrandNotFound
	}
	if err != nil {
		return err
	}
	if requestedBy == performer {
		return ErrSelfAccept
	}
	return ErrAlreadyAccepted
}

func (db *PostgresDB) TransitionErrand(ctx context.Context, t Transition) (*models.Errand, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanErrand(tx.QueryRowContext(ctx,
		`SELECT `+errandColumns+` FROM errands WHERE id = $1 FOR UPDATE`, t.ErrandID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrErrandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock errand: %w", err)
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
	if t.Apply != nil {
		t.Apply(next)
	}
	next.Status = t.To
	next.UpdatedAt = t.At

	// Indexes follow errandColumns; only lifecycle-owned columns change.
	a := errandArgs(next)
	_, err = tx.ExecContext(ctx,
		`UPDATE errands SET
			accepted_by = $2, status = $3, proof_image = $4, proof_message = $5,
			proof_submitted_at = $6, dispute_reason = $7, cancel_reason = $8, resolution = $9,
			accepted_at = $10, completed_at = $11, updated_at = $12
		WHERE id = $1`,
		a[0], a[9], a[10], a[14], a[15], a[16], a[17], a[18], a[19], a[20], a[21], a[23],
	)
	if err != nil {
		return nil, fmt.Errorf("update errand: %w", err)
	}

	if leavesActive(current.Status, t.To) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM performer_active WHERE errand_id = $1`, t.ErrandID); err != nil {
			return nil, fmt.Errorf("release active errand: %w", err)
		}
	}
	if err := insertOutbox(ctx, tx, t.Outbox, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

func (db *PostgresDB) NearbyErrands(ctx context.Context, q NearbyQuery) ([]*models.NearbyErrand, error) {
	box := geo.BoundingBox(q.Center, q.RadiusMeters)
	args := []any{
		q.Center.Lat, q.Center.Lng, string(q.Status),
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng,
		q.RadiusMeters, clampLimit(q.Limit), geo.EarthRadiusMeters,
	}
	categoryFilter := ""
	if q.Category != "" {
		args = append(args, string(q.Category))
		categoryFilter = ` AND category = $11`
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+errandColumns+`, distance FROM (
			SELECT *, 2 * $10::double precision * ASIN(LEAST(1, SQRT(
				POWER(SIN(RADIANS(lat - $1) / 2), 2) +
				COS(RADIANS($1)) * COS(RADIANS(lat)) * POWER(SIN(RADIANS(lng - $2) / 2), 2)
			))) AS distance
			FROM errands
			WHERE status = $3 AND lat BETWEEN $4 AND $5 AND lng BETWEEN $6 AND $7`+categoryFilter+`
		) nearby
		WHERE distance <= $8
		ORDER BY distance ASC, created_at ASC
		LIMIT $9`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query nearby errands: %w", err)
	}
	defer rows.Close()

	var out []*models.NearbyErrand
	for rows.Next() {
		var distance float64
		e, err := scanErrand(rows, &distance)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.NearbyErrand{Errand: e, DistanceMeters: distance})
	}
	return out, rows.Err()
}

func (db *PostgresDB) ListErrandsByUser(ctx context.Context, user uuid.UUID, role models.Role) ([]*models.Errand, error) {
	column := "requested_by"
	if role == models.RolePerformer {
		column = "accepted_by"
	}
	return db.queryErrands(ctx,
		`SELECT `+errandColumns+` FROM errands WHERE `+column+` = $1 ORDER BY created_at DESC`, user)
}

func (db *PostgresDB) ListDueForFinalize(ctx context.Context, completedBefore time.Time, limit int) ([]*models.Errand, error) {
	return db.queryErrands(ctx,
		`SELECT `+errandColumns+` FROM errands
		WHERE status = 'completed' AND completed_at < $1
		ORDER BY created_at ASC LIMIT $2`,
		completedBefore, clampLimit(limit))
}

func (db *PostgresDB) ListPendingPastDeadline(ctx context.Context, now time.Time, limit int) ([]*models.Errand, error) {
	return db.queryErrands(ctx,
		`SELECT `+errandColumns+` FROM errands
		WHERE status = 'pending' AND deadline < $1
		ORDER BY created_at ASC LIMIT $2`,
		now, clampLimit(limit))
}

func (db *PostgresDB) queryErrands(ctx context.Context, query string, args ...any) ([]*models.Errand, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query errands: %w", err)
	}
	defer rows.Close()

	var out []*models.Errand
	for rows.Next() {
		e, err := scanErrand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *PostgresDB) ActiveErrandFor(ctx context.Context, performer uuid.UUID) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := db.QueryRowContext(ctx,
		`SELECT errand_id FROM performer_active WHERE performer_id = $1`, performer).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, fn OutboxFunc, after *models.Errand) error {
	if fn == nil {
		return nil
	}
	ev, err := fn(after.Clone())
	if err != nil {
		return fmt.Errorf("build outbox event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO lifecycle_events (id, errand_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
		ev.ID, ev.ErrandID, string(ev.Payload), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record outbox event: %w", err)
	}
	return nil
}

func (db *PostgresDB) ListUndispatchedEvents(ctx context.Context, createdBefore time.Time, limit int) ([]*OutboxEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, errand_id, payload, created_at FROM lifecycle_events
		WHERE dispatched_at IS NULL AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`,
		createdBefore, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEvent
	for rows.Next() {
		ev := &OutboxEvent{}
		if err := rows.Scan(&ev.ID, &ev.ErrandID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *PostgresDB) MarkEventDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE lifecycle_events SET dispatched_at = $2 WHERE id = $1 AND dispatched_at IS NULL`, id, at)
	return err
}

func (db *PostgresDB) CreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO chats (id, errand_id, participants, last_seq, created_at, updated_at)
		VALUES ($1, $2, $3::uuid[], 0, $4, $4)
		ON CONFLICT (errand_id) DO NOTHING`,
		chat.ID, chat.ErrandID, pq.StringArray(uuidStrings(chat.Participants)), chat.CreatedAt,
	)
	if isPQError(err, pqForeignKeyViolation) {
		return nil, ErrErrandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return db.GetChatByErrand(ctx, chat.ErrandID)
}

func (db *PostgresDB) GetChat(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	return db.getChat(ctx, chatSelect+` WHERE c.id = $1`, id)
}

func (db *PostgresDB) GetChatByErrand(ctx context.Context, errandID uuid.UUID) (*models.Chat, error) {
	return db.getChat(ctx, chatSelect+` WHERE c.errand_id = $1`, errandID)
}

func (db *PostgresDB) getChat(ctx context.Context, query string, arg any) (*models.Chat, error) {
	chat, err := scanChat(db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadWatermarks(ctx, []*models.Chat{chat}); err != nil {
		return nil, err
	}
	return chat, nil
}

func (db *PostgresDB) ListChatsByUser(ctx context.Context, user uuid.UUID) ([]*models.Chat, error) {
	rows, err := db.QueryContext(ctx,
		chatSelect+` WHERE $1 = ANY(c.participants) ORDER BY c.updated_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.loadWatermarks(ctx, chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (db *PostgresDB) loadWatermarks(ctx context.Context, chats []*models.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Chat, len(chats))
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		c.ReadWatermarks = make(map[uuid.UUID]time.Time)
		byID[c.ID] = c
		ids = append(ids, c.ID.String())
	}

	rows, err := db.QueryContext(ctx,
		`SELECT chat_id, user_id, read_upto FROM chat_reads WHERE chat_id = ANY($1::uuid[])`,
		pq.StringArray(ids))
	if err != nil {
		return fmt.Errorf("query read watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chatID, userID uuid.UUID
		var upto time.Time
		if err := rows.Scan(&chatID, &userID, &upto); err != nil {
			return err
		}
		if c, ok := byID[chatID]; ok {
			c.ReadWatermarks[userID] = upto
		}
	}
	return rows.Err()
}

// AppendMessage assigns the next sequence number under the chat's row lock,
// so messages in one chat are totally ordered.
func (db *PostgresDB) AppendMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var lastSeq int64
	var lastAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT c.last_seq, m.created_at
		FROM chats c
		LEFT JOIN messages m ON m.chat_id = c.id AND m.seq = c.last_seq
		WHERE c.id = $1
		FOR UPDATE OF c`, m.ChatID).Scan(&lastSeq, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock chat: %w", err)
	}

	msg := *m
	msg.Seq = lastSeq + 1
	if lastAt.Valid && msg.CreatedAt.Before(lastAt.Time) {
		msg.CreatedAt = lastAt.Time
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, seq, sender_id, content, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ChatID, msg.Seq, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_seq = $2, updated_at = $3 WHERE id = $1`,
		msg.ChatID, msg.Seq, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("update chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &msg, nil
}

func (db *PostgresDB) ListMessages(ctx context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrChatNotFound
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, chat_id, seq, sender_id, content, message_type, created_at
		FROM messages
		WHERE chat_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		chatID, afterSeq, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Seq, &msg.SenderID, &msg.Content, &msg.Type, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (db *PostgresDB) CountUnreadMessages(ctx context.Context, chatID, reader uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		FROM messages m
		LEFT JOIN chat_reads r ON r.chat_id = m.chat_id AND r.user_id = $2
		WHERE m.chat_id = $1 AND m.sender_id <> $2
		  AND (r.read_upto IS NULL OR m.created_at > r.read_upto)`,
		chatID, reader,
	).Scan(&count)
	return count, err
}

// AdvanceReadWatermark never moves a watermark backwards.
func (db *PostgresDB) AdvanceReadWatermark(ctx context.Context, chatID, reader uuid.UUID, upto time.Time) (time.Time, error) {
	var effective time.Time
	err := db.QueryRowContext(ctx,
		`INSERT INTO chat_reads (chat_id, user_id, read_upto) VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id)
		DO UPDATE SET read_upto = GREATEST(chat_reads.read_upto, EXCLUDED.read_upto)
		RETURNING read_upto`,
		chatID, reader, upto,
	).Scan(&effective)
	if isPQError(err, pqForeignKeyViolation) {
		return time.Time{}, ErrChatNotFound
	}
	return effective, err
}

func (db *PostgresDB) InsertNotification(ctx context.Context, n *models.Notification) (bool, error) {
	var relatedID uuid.NullUUID
	var relatedTitle, relatedStatus sql.NullString
	if n.RelatedErrand != nil {
		relatedID = uuid.NullUUID{UUID: n.RelatedErrand.ID, Valid: true}
		relatedTitle = sql.NullString{String: n.RelatedErrand.Title, Valid: true}
		relatedStatus = sql.NullString{String: string(n.RelatedErrand.Status), Valid: true}
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id, user_id) DO NOTHING`,
		n.ID, n.EventID, n.UserID, string(n.Type), n.Title, n.Body, n.IsRead,
		relatedID, relatedTitle, relatedStatus, n.CreatedAt, nullTime(n.ReadAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (db *PostgresDB) ListNotifications(ctx context.Context, user uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := db.QueryContext(ctx, query, user, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var relatedID uuid.NullUUID
		var relatedTitle, relatedStatus sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.EventID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.IsRead,
			&relatedID, &relatedTitle, &relatedStatus, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if relatedID.Valid {
			n.RelatedErrand = &models.ErrandSnapshot{
				ID:     relatedID.UUID,
				Title:  relatedTitle.String,
				Status: models.Status(relatedStatus.String),
			}
		}
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (db *PostgresDB) CountUnreadNotifications(ctx context.Context, user uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, user).Scan(&count)
	return count, err
}

func (db *PostgresDB) MarkNotificationRead(ctx context.Context, id, user uuid.UUID, at time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2`,
		id, user, at,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

func (db *PostgresDB) MarkAllNotificationsRead(ctx context.Context, user uuid.UUID, at time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE user_id = $1 AND NOT is_read`,
		user, at,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// errandArgs returns column values in errandColumns order.
func errandArgs(e *models.Errand) []any {
	var acceptedBy uuid.NullUUID
	if e.AcceptedBy != nil {
		acceptedBy = uuid.NullUUID{UUID: *e.AcceptedBy, Valid: true}
	}
	var proofImage, proofMessage sql.NullString
	var proofAt sql.NullTime
	if e.Proof != nil {
		proofImage = sql.NullString{String: e.Proof.ImageRef, Valid: true}
		proofMessage = sql.NullString{String: e.Proof.Message, Valid: true}
		proofAt = sql.NullTime{Time: e.Proof.SubmittedAt, Valid: true}
	}
	images := e.Images
	if images == nil {
		images = []string{}
	}

	return []any{
		e.ID, e.Title, e.Description, e.Location.Lat, e.Location.Lng, e.Location.Address,
		e.Reward.Amount, e.Reward.Currency,
		e.RequestedBy, acceptedBy, string(e.Status), string(e.Category), nullTime(e.Deadline),
		pq.StringArray(images),
		proofImage, proofMessage, proofAt, e.DisputeReason, e.CancelReason, e.Resolution,
		nullTime(e.AcceptedAt), nullTime(e.CompletedAt), e.CreatedAt, e.UpdatedAt,
	}
}

func scanErrand(s scanner, extra ...any) (*models.Errand, error) {
	var e models.Errand
	var acceptedBy uuid.NullUUID
	var deadline, proofAt, acceptedAt, completedAt sql.NullTime
	var proofImage, proofMessage sql.NullString
	var images pq.StringArray

	dest := []any{
		&e.ID, &e.Title, &e.Description, &e.Location.Lat, &e.Location.Lng, &e.Location.Address,
		&e.Reward.Amount, &e.Reward.Currency,
		&e.RequestedBy, &acceptedBy, &e.Status, &e.Category, &deadline, &images,
		&proofImage, &proofMessage, &proofAt, &e.DisputeReason, &e.CancelReason, &e.Resolution,
		&acceptedAt, &completedAt, &e.CreatedAt, &e.UpdatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if acceptedBy.Valid {
		e.AcceptedBy = &acceptedBy.UUID
	}
	if deadline.Valid {
		e.Deadline = &deadline.Time
	}
	if acceptedAt.Valid {
		e.AcceptedAt = &acceptedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if proofImage.Valid {
		e.Proof = &models.CompletionProof{
			ImageRef:    proofImage.String,
			Message:     proofMessage.String,
			SubmittedAt: proofAt.Time,
		}
	}
	e.Images = []string(images)
	if e.Images == nil {
		e.Images = []string{}
	}
	return &e, nil
}

func scanChat(s scanner) (*models.Chat, error) {
	var c models.Chat
	var participants pq.StringArray
	var msgID, senderID uuid.NullUUID
	var seq sql.NullInt64
	var content, msgType sql.NullString
	var createdAt sql.NullTime

	if err := s.Scan(&c.ID, &c.ErrandID, &participants, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt,
		&msgID, &seq, &senderID, &content, &msgType, &createdAt); err != nil {
		return nil, err
	}

	for _, p := range participants {
		id, err := uuid.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse participant %q: %w", p, err)
		}
		c.Participants = append(c.Participants, id)
	}
	if msgID.Valid {
		c.LastMessage = &models.Message{
			ID:        msgID.UUID,
			ChatID:    c.ID,
			Seq:       seq.Int64,
			SenderID:  senderID.UUID,
			Content:   content.String,
			Type:      models.MessageType(msgType.String),
			CreatedAt: createdAt.Time,
		}
	}
	return &c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func isPQError(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
