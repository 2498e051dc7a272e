package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/pagination"
)

const (
	DefaultMaxContentLength = 4000
	DefaultBacklogPageSize  = 50
	DefaultPersistTimeout   = 3 * time.Second
)

// MessageService sequences and persists messages. Appends to the same room
// are serialized; different rooms proceed in parallel.
type MessageService struct {
	rooms     domain.RoomRepository
	messages  domain.MessageRepository
	broadcast Broadcaster
	metrics   *metrics.Metrics
	log       *slog.Logger
	locks     *roomLocks
	now       func() time.Time

	MaxContentLength int
	BacklogPageSize  int
	HistoryPageSize  int
	PersistTimeout   time.Duration
}

func NewMessageService(
	rooms domain.RoomRepository,
	messages domain.MessageRepository,
	broadcast Broadcaster,
	m *metrics.Metrics,
	log *slog.Logger,
) *MessageService {
	if broadcast == nil {
		broadcast = NopBroadcaster{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &MessageService{
		rooms:            rooms,
		messages:         messages,
		broadcast:        broadcast,
		metrics:          m,
		log:              log.With("component", "sequencer"),
		locks:            newRoomLocks(),
		now:              func() time.Time { return time.Now().UTC() },
		MaxContentLength: DefaultMaxContentLength,
		BacklogPageSize:  DefaultBacklogPageSize,
		HistoryPageSize:  pagination.DefaultPageSize,
		PersistTimeout:   DefaultPersistTimeout,
	}
}

type SendInput struct {
	RoomID   string
	SenderID string
	Content  string
	Type     domain.MessageType
	Origin   Origin
}

// Append validates a send, assigns the next room sequence and persists it.
// Fan-out is queued before the room lock is released so every subscriber
// observes the room's messages in sequence order.
func (s *MessageService) Append(ctx context.Context, in SendInput) (domain.Message, error) {
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}
	if !in.Type.Valid() || in.Type == domain.MessageTypeSystem {
		return domain.Message{}, domain.NewValidationError("type", "unsupported message type")
	}
	if err := s.validateContent(in.Content); err != nil {
		return domain.Message{}, err
	}
	return s.append(ctx, in)
}

// PostSystem appends a system notice authored by actorID.
func (s *MessageService) PostSystem(ctx context.Context, roomID, actorID, content string) (domain.Message, error) {
	return s.append(ctx, SendInput{
		RoomID:   roomID,
		SenderID: actorID,
		Content:  content,
		Type:     domain.MessageTypeSystem,
	})
}

func (s *MessageService) append(ctx context.Context, in SendInput) (domain.Message, error) {
	unlock := s.locks.Lock(in.RoomID)
	defer unlock()

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, s.PersistTimeout)
	defer cancel()

	room, err := s.rooms.GetByID(pctx, in.RoomID)
	if err != nil {
		return domain.Message{}, s.persistError(pctx, "load room", err)
	}
	if in.Type != domain.MessageTypeSystem && !room.IsMember(in.SenderID) {
		return domain.Message{}, domain.ErrNotMember
	}
	if room.Status != domain.RoomStatusActive {
		return domain.Message{}, domain.ErrRoomInactive
	}

	msg := domain.Message{
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		CreatedAt: s.now(),
	}
	if err := s.messages.Append(pctx, &msg); err != nil {
		return domain.Message{}, s.persistError(pctx, "append message", err)
	}
	s.metrics.MessageAppended(string(msg.Type), time.Since(start))

	recipients := make([]domain.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		if p.IsActive {
			recipients = append(recipients, p)
		}
	}
	s.broadcast.PublishMessage(Outgoing{Message: msg, Origin: in.Origin, Recipients: recipients})

	s.log.Debug("message appended", "room_id", msg.RoomID, "seq", msg.ID, "sender_id", msg.SenderID)
	return msg, nil
}

// Edit replaces the content of the caller's own message and keeps the
// previous version in its edit history.
func (s *MessageService) Edit(ctx context.Context, callerID, roomID string, seq int64, content string) (domain.Message, error) {
	if err := s.validateContent(content); err != nil {
		return domain.Message{}, err
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	pctx, cancel := context.WithTimeout(ctx, s.PersistTimeout)
	defer cancel()

	if _, err := s.authorOf(pctx, callerID, roomID, seq); err != nil {
		return domain.Message{}, err
	}
	msg, err := s.messages.Edit(pctx, roomID, seq, content, s.now())
	if err != nil {
		return domain.Message{}, s.persistError(pctx, "edit message", err)
	}
	s.broadcast.PublishEdited(msg)
	return msg, nil
}

// Delete soft-deletes the caller's own message.
func (s *MessageService) Delete(ctx context.Context, callerID, roomID string, seq int64) (domain.Message, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	pctx, cancel := context.WithTimeout(ctx, s.PersistTimeout)
	defer cancel()

	existing, err := s.authorOf(pctx, callerID, roomID, seq)
	if err != nil {
		return domain.Message{}, err
	}
	if existing.IsDeleted {
		return existing, nil
	}
	msg, err := s.messages.SoftDelete(pctx, roomID, seq, s.now())
	if err != nil {
		return domain.Message{}, s.persistError(pctx, "delete message", err)
	}
	s.broadcast.PublishDeleted(msg)
	return msg, nil
}

func (s *MessageService) authorOf(ctx context.Context, callerID, roomID string, seq int64) (domain.Message, error) {
	ok, err := s.rooms.IsMember(ctx, roomID, callerID)
	if err != nil {
		return domain.Message{}, s.persistError(ctx, "check membership", err)
	}
	if !ok {
		return domain.Message{}, domain.ErrNotMember
	}
	msg, err := s.messages.Get(ctx, roomID, seq)
	if err != nil {
		return domain.Message{}, s.persistError(ctx, "get message", err)
	}
	if msg.SenderID != callerID {
		return domain.Message{}, domain.NewAuthorizationError("only the sender can change a message")
	}
	if msg.Type == domain.MessageTypeSystem {
		return domain.Message{}, domain.NewValidationError("messageId", "system messages cannot be changed")
	}
	return msg, nil
}

// History returns a page of messages older than the cursor, newest first.
func (s *MessageService) History(ctx context.Context, callerID, roomID, before string, limit int) (pagination.Page[domain.Message], error) {
	var page pagination.Page[domain.Message]

	ok, err := s.rooms.IsMember(ctx, roomID, callerID)
	if err != nil {
		return page, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return page, domain.ErrNotMember
	}

	var beforeSeq int64
	if before != "" {
		c, err := pagination.Decode(before, roomID)
		if err != nil {
			return page, err
		}
		beforeSeq = c.Seq
	}

	if limit <= 0 {
		limit = s.HistoryPageSize
	}
	limit = pagination.Limit(limit)
	msgs, err := s.messages.ListBefore(ctx, roomID, beforeSeq, limit+1)
	if err != nil {
		return page, fmt.Errorf("list messages: %w", err)
	}

	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
		next, err := pagination.Encode(pagination.Cursor{RoomID: roomID, Seq: msgs[len(msgs)-1].ID})
		if err != nil {
			return page, err
		}
		page.NextCursor = &next
	}
	page.Items = msgs
	if page.Items == nil {
		page.Items = []domain.Message{}
	}
	return page, nil
}

// Backlog returns the unread messages for p, oldest first, bounded to the
// newest min(UnreadCount, BacklogPageSize).
func (s *MessageService) Backlog(ctx context.Context, p domain.Participant) ([]domain.Message, error) {
	if p.UnreadCount <= 0 {
		return nil, nil
	}
	limit := p.UnreadCount
	if s.BacklogPageSize > 0 && limit > s.BacklogPageSize {
		limit = s.BacklogPageSize
	}
	msgs, err := s.messages.ListUnread(ctx, p.RoomID, p.UserID, p.LastReadSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	return msgs, nil
}

func (s *MessageService) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.NewValidationError("content", "message content cannot be empty")
	}
	if !utf8.ValidString(content) {
		return domain.NewValidationError("content", "message content must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(content); s.MaxContentLength > 0 && n > s.MaxContentLength {
		return domain.NewValidationError("content", fmt.Sprintf("message content exceeds %d characters", s.MaxContentLength))
	}
	return nil
}

// persistError turns a deadline on the store call into a retryable error.
func (s *MessageService) persistError(ctx context.Context, op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.log.Warn("store timed out", "op", op, "error", err)
		return domain.NewTransientError("message store timed out, retry")
	}
	return fmt.Errorf("%s: %w", op, err)
}
