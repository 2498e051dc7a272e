package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"chatcore/internal/domain"
)

const DefaultRoomListLimit = 100

// SystemPoster writes system notices into a room's timeline.
type SystemPoster interface {
	PostSystem(ctx context.Context, roomID, actorID, content string) (domain.Message, error)
}

// RoomService is the authoritative room directory: membership, roles,
// read cursors and mute flags.
const DefaultDirectTimeout = 5 * time.Second

type RoomService struct {
	rooms     domain.RoomRepository
	receipts  domain.ReceiptRepository
	notices   SystemPoster
	broadcast Broadcaster
	log       *slog.Logger
	direct    singleflight.Group
	now       func() time.Time

	DirectTimeout time.Duration
}

func NewRoomService(
	rooms domain.RoomRepository,
	receipts domain.ReceiptRepository,
	notices SystemPoster,
	broadcast Broadcaster,
	log *slog.Logger,
) *RoomService {
	if broadcast == nil {
		broadcast = NopBroadcaster{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{
		rooms:     rooms,
		receipts:  receipts,
		notices:   notices,
		broadcast: broadcast,
		log:       log.With("component", "rooms"),
		now:       func() time.Time { return time.Now().UTC() },

		DirectTimeout: DefaultDirectTimeout,
	}
}

// CreateOrGetDirectRoom returns the direct room for the unordered pair,
// creating it on first request. Concurrent callers for the same pair in this
// process share one store round trip; the store's unique pair key covers
// callers in other processes.
func (s *RoomService) CreateOrGetDirectRoom(ctx context.Context, userA, userB string) (domain.Room, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return domain.Room{}, domain.NewValidationError("userId", "user id is required")
	}
	if userA == userB {
		return domain.Room{}, domain.NewValidationError("userId", "cannot open a direct room with yourself")
	}

	// The shared call outlives any single caller's cancellation.
	key := domain.DirectKey(userA, userB)
	v, err, _ := s.direct.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.DirectTimeout)
		defer cancel()

		room, created, err := s.rooms.CreateDirect(ctx, userA, userB, s.now())
		if err != nil {
			return domain.Room{}, fmt.Errorf("create direct room: %w", err)
		}
		if created {
			s.log.Info("direct room created", "room_id", room.ID)
		}
		return room, nil
	})
	if err != nil {
		return domain.Room{}, err
	}
	return v.(domain.Room), nil
}

type CreateRoomInput struct {
	Kind           domain.RoomKind
	ContextRef     *string
	ParticipantIDs []string
}

// CreateRoom creates a group or context-linked room owned by creatorID.
func (s *RoomService) CreateRoom(ctx context.Context, creatorID string, in CreateRoomInput) (domain.Room, error) {
	switch in.Kind {
	case domain.RoomKindGroup:
	case domain.RoomKindContext:
		if in.ContextRef == nil || strings.TrimSpace(*in.ContextRef) == "" {
			return domain.Room{}, domain.NewValidationError("contextRef", "context-linked rooms need a context reference")
		}
	case domain.RoomKindDirect:
		return domain.Room{}, domain.NewValidationError("kind", "use the direct room endpoint")
	default:
		return domain.Room{}, domain.NewValidationError("kind", "unknown room kind")
	}

	others := lo.Without(lo.Uniq(lo.Compact(lo.Map(in.ParticipantIDs, func(id string, _ int) string {
		return strings.TrimSpace(id)
	}))), creatorID)

	now := s.now()
	room := &domain.Room{
		Kind:       in.Kind,
		ContextRef: in.ContextRef,
		Status:     domain.RoomStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
		Participants: []domain.Participant{
			{UserID: creatorID, Role: domain.RoleOwner, JoinedAt: now},
		},
	}
	for _, id := range others {
		room.Participants = append(room.Participants, domain.Participant{UserID: id, Role: domain.RoleMember, JoinedAt: now})
	}

	if err := s.rooms.Create(ctx, room); err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	s.log.Info("room created", "room_id", room.ID, "kind", room.Kind, "participants", len(room.Participants))
	return s.rooms.GetByID(ctx, room.ID)
}

// GetRoom returns the room if callerID is an active participant.
func (s *RoomService) GetRoom(ctx context.Context, roomID, callerID string) (domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	if !room.IsMember(callerID) {
		return domain.Room{}, domain.ErrNotMember
	}
	return room, nil
}

func (s *RoomService) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Room, error) {
	if limit <= 0 || limit > DefaultRoomListLimit {
		limit = DefaultRoomListLimit
	}
	rooms, err := s.rooms.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	return rooms, nil
}

func (s *RoomService) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return s.rooms.IsMember(ctx, roomID, userID)
}

// ContactIDs lists users sharing an active room with userID.
func (s *RoomService) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	return s.rooms.ContactIDs(ctx, userID)
}

// AddParticipant adds or re-activates userID. Only owners and admins may add
// others, and nobody may add to a direct room.
func (s *RoomService) AddParticipant(ctx context.Context, actorID, roomID, userID string, role domain.ParticipantRole) (domain.Participant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Participant{}, domain.NewValidationError("userId", "user id is required")
	}
	if role == "" {
		role = domain.RoleMember
	}
	if !role.Valid() || role == domain.RoleOwner {
		return domain.Participant{}, domain.NewValidationError("role", "role must be admin or member")
	}

	room, err := s.manageable(ctx, actorID, roomID)
	if err != nil {
		return domain.Participant{}, err
	}
	if room.IsMember(userID) {
		p, _ := room.Participant(userID)
		return p, nil
	}

	p, err := s.rooms.UpsertParticipant(ctx, roomID, userID, role, s.now())
	if err != nil {
		return domain.Participant{}, fmt.Errorf("add participant: %w", err)
	}
	s.broadcast.PublishMembership(MembershipChange{RoomID: roomID, UserID: userID, Active: true})
	s.notice(ctx, roomID, actorID, fmt.Sprintf("%s joined the room", userID))
	return p, nil
}

// RemoveParticipant deactivates userID; history and the room are kept.
// Anyone may remove themselves.
func (s *RoomService) RemoveParticipant(ctx context.Context, actorID, roomID, userID string) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Kind == domain.RoomKindDirect {
		return domain.NewValidationError("roomId", "direct rooms keep both participants")
	}
	if actorID != userID {
		if _, err := s.manageable(ctx, actorID, roomID); err != nil {
			return err
		}
	}
	if len(room.ActiveUserIDs()) == 1 && room.IsMember(userID) {
		return domain.NewValidationError("userId", "the last participant cannot leave; archive the room instead")
	}

	if err := s.rooms.DeactivateParticipant(ctx, roomID, userID, s.now()); err != nil {
		return err
	}
	s.broadcast.PublishMembership(MembershipChange{RoomID: roomID, UserID: userID, Active: false})
	s.notice(ctx, roomID, userID, fmt.Sprintf("%s left the room", userID))
	return nil
}

func (s *RoomService) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	return s.rooms.SetMuted(ctx, roomID, userID, muted)
}

// SetStatus archives, blocks or re-activates a room. Owner only.
func (s *RoomService) SetStatus(ctx context.Context, actorID, roomID string, status domain.RoomStatus) error {
	if !status.Valid() {
		return domain.NewValidationError("status", "unknown room status")
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	p, ok := room.Participant(actorID)
	if !ok || !p.IsActive {
		return domain.ErrNotMember
	}
	if room.Kind != domain.RoomKindDirect && p.Role != domain.RoleOwner {
		return domain.NewAuthorizationError("only the owner can change room status")
	}
	return s.rooms.SetStatus(ctx, roomID, status)
}

// MarkRead moves userID's read cursor forward. Requests older than the
// stored cursor are ignored.
func (s *RoomService) MarkRead(ctx context.Context, roomID, userID string, uptoSeq int64) (domain.ReadResult, error) {
	if uptoSeq < 0 {
		return domain.ReadResult{}, domain.NewValidationError("uptoMessageId", "must not be negative")
	}
	return s.receipts.MarkRead(ctx, roomID, userID, uptoSeq, s.now())
}

func (s *RoomService) manageable(ctx context.Context, actorID, roomID string) (domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	if room.Kind == domain.RoomKindDirect {
		return domain.Room{}, domain.NewValidationError("roomId", "direct rooms have exactly two participants")
	}
	p, ok := room.Participant(actorID)
	if !ok || !p.IsActive {
		return domain.Room{}, domain.ErrNotMember
	}
	if !p.Role.CanManage() {
		return domain.Room{}, domain.NewAuthorizationError("only owners and admins can manage participants")
	}
	return room, nil
}

func (s *RoomService) notice(ctx context.Context, roomID, actorID, content string) {
	if s.notices == nil {
		return
	}
	if _, err := s.notices.PostSystem(ctx, roomID, actorID, content); err != nil {
		s.log.Warn("post system notice", "room_id", roomID, "error", err)
	}
}
