// Package chat is the per-errand message channel between requester and
// performer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/apperror"
	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/logger"
	"github.com/ammar1510/errands/internal/models"
)

var log = logger.New("chat")

// MaxContentLength is the longest message body accepted, in characters.
const MaxContentLength = 4000

type Service struct {
	db     database.DBInterface
	events events.Publisher
	now    func() time.Time
}

func NewService(db database.DBInterface, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Service{db: db, events: publisher, now: time.Now}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Publish opens the channel as soon as an errand is accepted, so both
// parties find it without having to ask for it first.
func (s *Service) Publish(ctx context.Context, e events.Event) {
	le, ok := e.(*events.LifecycleEvent)
	if !ok || le.Action != models.ActionAccept {
		return
	}
	if _, err := s.open(ctx, le.ErrandID); err != nil {
		log.Error("Failed to open chat for accepted errand %s: %v", le.ErrandID, err)
	}
}

// GetOrCreateChannel returns the errand's chat, creating it on first use.
// Only the requester and the performer may open it.
func (s *Service) GetOrCreateChannel(ctx context.Context, errandID, caller uuid.UUID) (*models.ChatView, error) {
	if chat, err := s.db.GetChatByErrand(ctx, errandID); err == nil {
		return s.view(ctx, chat, caller)
	} else if !errors.Is(err, database.ErrChatNotFound) {
		return nil, fmt.Errorf("get chat for errand %s: %w", errandID, err)
	}

	e, err := s.db.GetErrand(ctx, errandID)
	if errors.Is(err, database.ErrErrandNotFound) {
		return nil, &apperror.NotFoundError{Entity: "errand", ID: errandID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get errand %s: %w", errandID, err)
	}
	if e.RequestedBy != caller && !e.IsPerformer(caller) {
		return nil, &apperror.UnauthorizedError{Action: "open chat", Reason: "not a party to this errand"}
	}

	chat, err := s.open(ctx, errandID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, chat, caller)
}

// open creates the chat with participants read from the errand now.
func (s *Service) open(ctx context.Context, errandID uuid.UUID) (*models.Chat, error) {
	e, err := s.db.GetErrand(ctx, errandID)
	if errors.Is(err, database.ErrErrandNotFound) {
		return nil, &apperror.NotFoundError{Entity: "errand", ID: errandID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get errand %s: %w", errandID, err)
	}
	if e.AcceptedBy == nil {
		return nil, &apperror.NotAcceptedError{ErrandID: errandID.String()}
	}

	now := s.now().UTC()
	chat, err := s.db.CreateChat(ctx, &models.Chat{
		ID:             uuid.New(),
		ErrandID:       errandID,
		Participants:   []uuid.UUID{e.RequestedBy, *e.AcceptedBy},
		ReadWatermarks: map[uuid.UUID]time.Time{},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat for errand %s: %w", errandID, err)
	}
	log.Debug("Chat %s ready for errand %s", chat.ID, errandID)
	return chat, nil
}

// Get returns one chat as seen by user.
func (s *Service) Get(ctx context.Context, chatID, user uuid.UUID) (*models.ChatView, error) {
	chat, err := s.member(ctx, chatID, user)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, chat, user)
}

// List returns the user's chats, most recently active first.
func (s *Service) List(ctx context.Context, user uuid.UUID) ([]*models.ChatView, error) {
	chats, err := s.db.ListChatsByUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	views := make([]*models.ChatView, 0, len(chats))
	for _, c := range chats {
		v, err := s.view(ctx, c, user)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// ListMessages returns messages with a sequence number above afterSeq.
func (s *Service) ListMessages(ctx context.Context, chatID, user uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error) {
	if _, err := s.member(ctx, chatID, user); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		return nil, &apperror.ValidationError{Field: "after", Reason: "must not be negative"}
	}
	msgs, err := s.db.ListMessages(ctx, chatID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}

// PostMessage appends a message and emits it to the participants.
func (s *Service) PostMessage(ctx context.Context, chatID, sender uuid.UUID, content string, msgType models.MessageType) (*models.Message, error) {
	if msgType == "" {
		msgType = models.MessageText
	}
	if !msgType.Valid() {
		return nil, &apperror.ValidationError{Field: "message_type", Reason: fmt.Sprintf("unknown type %q", msgType)}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &apperror.ValidationError{Field: "content", Reason: "required"}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, &apperror.ValidationError{Field: "content", Reason: fmt.Sprintf("longer than %d characters", MaxContentLength)}
	}

	chat, err := s.member(ctx, chatID, sender)
	if err != nil {
		return nil, err
	}

	msg, err := s.db.AppendMessage(ctx, &models.Message{
		ID:        uuid.New(),
		ChatID:    chatID,
		SenderID:  sender,
		Content:   content,
		Type:      msgType,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	pubCtx, cancel := events.Detach(ctx)
	defer cancel()
	title := ""
	if e, err := s.db.GetErrand(pubCtx, chat.ErrandID); err == nil {
		title = e.Title
	}
	s.events.Publish(pubCtx, &events.MessageEvent{
		ID:           uuid.New(),
		ChatID:       chatID,
		ErrandID:     chat.ErrandID,
		ErrandTitle:  title,
		Message:      *msg,
		Participants: chat.Participants,
	})
	return msg, nil
}

// MarkRead advances the reader's watermark to upto, or to now when upto is
// nil. The watermark never moves backwards; the effective value is returned.
func (s *Service) MarkRead(ctx context.Context, chatID, reader uuid.UUID, upto *time.Time) (time.Time, error) {
	if _, err := s.member(ctx, chatID, reader); err != nil {
		return time.Time{}, err
	}
	now := s.now().UTC()
	at := now
	if upto != nil {
		at = upto.UTC()
		if at.After(now) {
			at = now
		}
	}
	watermark, err := s.db.AdvanceReadWatermark(ctx, chatID, reader, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("advance watermark: %w", err)
	}
	return watermark, nil
}

// CanJoin reports whether user may subscribe to the chat's live signals.
func (s *Service) CanJoin(ctx context.Context, chatID, user uuid.UUID) error {
	_, err := s.member(ctx, chatID, user)
	return err
}

func (s *Service) member(ctx context.Context, chatID, user uuid.UUID) (*models.Chat, error) {
	chat, err := s.db.GetChat(ctx, chatID)
	if errors.Is(err, database.ErrChatNotFound) {
		return nil, &apperror.NotFoundError{Entity: "chat", ID: chatID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	if !chat.HasParticipant(user) {
		return nil, &apperror.NotParticipantError{ChatID: chatID.String(), UserID: user.String()}
	}
	return chat, nil
}

func (s *Service) view(ctx context.Context, chat *models.Chat, user uuid.UUID) (*models.ChatView, error) {
	if !chat.HasParticipant(user) {
		return nil, &apperror.NotParticipantError{ChatID: chat.ID.String(), UserID: user.String()}
	}
	unread, err := s.db.CountUnreadMessages(ctx, chat.ID, user)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	return &models.ChatView{Chat: chat, UnreadCount: unread}, nil
}
