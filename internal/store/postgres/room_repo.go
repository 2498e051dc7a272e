package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nicolasparada/go-db"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

type RoomRepo struct {
	db    *db.DB
	codec security.ContentCodec
}

func NewRoomRepo(pool *pgxpool.Pool, codec security.ContentCodec) *RoomRepo {
	if codec == nil {
		codec = security.Plaintext{}
	}
	return &RoomRepo{db: db.New(pool), codec: codec}
}

var _ domain.RoomRepository = (*RoomRepo)(nil)

const (
	sqlRoomCols = `
		  rooms.id
		, rooms.kind
		, rooms.context_ref
		, rooms.status
		, rooms.last_seq
		, rooms.last_sender_id
		, rooms.last_content
		, rooms.last_type
		, rooms.last_message_at
		, rooms.created_at
		, rooms.updated_at
	`
	sqlParticipantCols = `
		  participants.room_id
		, participants.user_id
		, participants.role
		, participants.joined_at
		, participants.left_at
		, participants.is_active
		, participants.last_read_seq
		, participants.last_read_at
		, participants.unread_count
		, participants.muted
	`
)

type roomRow struct {
	ID            string     `db:"id"`
	Kind          string     `db:"kind"`
	ContextRef    *string    `db:"context_ref"`
	Status        string     `db:"status"`
	LastSeq       int64      `db:"last_seq"`
	LastSenderID  *string    `db:"last_sender_id"`
	LastContent   *string    `db:"last_content"`
	LastType      *string    `db:"last_type"`
	LastMessageAt *time.Time `db:"last_message_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

type participantRow struct {
	RoomID      string     `db:"room_id"`
	UserID      string     `db:"user_id"`
	Role        string     `db:"role"`
	JoinedAt    time.Time  `db:"joined_at"`
	LeftAt      *time.Time `db:"left_at"`
	IsActive    bool       `db:"is_active"`
	LastReadSeq int64      `db:"last_read_seq"`
	LastReadAt  *time.Time `db:"last_read_at"`
	UnreadCount int        `db:"unread_count"`
	Muted       bool       `db:"muted"`
}

func (p participantRow) toDomain() domain.Participant {
	return domain.Participant{
		RoomID:      p.RoomID,
		UserID:      p.UserID,
		Role:        domain.ParticipantRole(p.Role),
		JoinedAt:    p.JoinedAt.UTC(),
		LeftAt:      p.LeftAt,
		IsActive:    p.IsActive,
		LastReadSeq: p.LastReadSeq,
		LastReadAt:  p.LastReadAt,
		UnreadCount: p.UnreadCount,
		Muted:       p.Muted,
	}
}

func (r *RoomRepo) toDomain(row roomRow) (domain.Room, error) {
	room := domain.Room{
		ID:         row.ID,
		Kind:       domain.RoomKind(row.Kind),
		ContextRef: row.ContextRef,
		Status:     domain.RoomStatus(row.Status),
		LastSeq:    row.LastSeq,
		CreatedAt:  row.CreatedAt.UTC(),
		UpdatedAt:  row.UpdatedAt.UTC(),
	}
	if row.LastSeq > 0 && row.LastSenderID != nil {
		var content string
		if row.LastContent != nil {
			var err error
			if content, err = r.codec.Decrypt(*row.LastContent); err != nil {
				return domain.Room{}, fmt.Errorf("decrypt last message: %w", err)
			}
		}
		summary := &domain.MessageSummary{
			Seq:      row.LastSeq,
			SenderID: *row.LastSenderID,
			Content:  content,
		}
		if row.LastType != nil {
			summary.Type = domain.MessageType(*row.LastType)
		}
		if row.LastMessageAt != nil {
			summary.CreatedAt = row.LastMessageAt.UTC()
		}
		room.LastMessage = summary
	}
	return room, nil
}

func (r *RoomRepo) CreateDirect(ctx context.Context, userA, userB string, at time.Time) (domain.Room, bool, error) {
	var (
		roomID  string
		created bool
	)
	err := r.db.RunTx(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			INSERT INTO rooms (id, kind, direct_key, status, created_at, updated_at)
			VALUES (@id, @kind, @direct_key, @status, @at, @at)
			ON CONFLICT (direct_key) DO NOTHING
		`, pgx.NamedArgs{
			"id":         domain.NewRoomID(),
			"kind":       domain.RoomKindDirect,
			"direct_key": domain.DirectKey(userA, userB),
			"status":     domain.RoomStatusActive,
			"at":         at,
		})
		if err != nil {
			return fmt.Errorf("sql insert direct room: %w", err)
		}
		created = tag.RowsAffected() == 1

		var status string
		if err := r.db.QueryRow(ctx, `
			SELECT id, status FROM rooms WHERE direct_key = @direct_key
		`, pgx.NamedArgs{"direct_key": domain.DirectKey(userA, userB)}).Scan(&roomID, &status); err != nil {
			return fmt.Errorf("sql select direct room: %w", err)
		}

		if domain.RoomStatus(status) == domain.RoomStatusArchived {
			if _, err := r.db.Exec(ctx, `
				UPDATE rooms SET status = @status, updated_at = @at WHERE id = @id
			`, pgx.NamedArgs{"status": domain.RoomStatusActive, "at": at, "id": roomID}); err != nil {
				return fmt.Errorf("sql reactivate direct room: %w", err)
			}
		}

		for _, uid := range []string{userA, userB} {
			if _, err := r.upsertParticipant(ctx, roomID, uid, domain.RoleMember, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Room{}, false, err
	}

	room, err := r.GetByID(ctx, roomID)
	if err != nil {
		return domain.Room{}, false, err
	}
	return room, created, nil
}

func (r *RoomRepo) Create(ctx context.Context, room *domain.Room) error {
	if room.ID == "" {
		room.ID = domain.NewRoomID()
	}
	return r.db.RunTx(ctx, func(ctx context.Context) error {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO rooms (id, kind, context_ref, status, created_at, updated_at)
			VALUES (@id, @kind, @context_ref, @status, @created_at, @updated_at)
		`, pgx.NamedArgs{
			"id":          room.ID,
			"kind":        room.Kind,
			"context_ref": room.ContextRef,
			"status":      room.Status,
			"created_at":  room.CreatedAt,
			"updated_at":  room.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("sql insert room: %w", err)
		}

		for i, p := range room.Participants {
			saved, err := r.upsertParticipant(ctx, room.ID, p.UserID, p.Role, p.JoinedAt)
			if err != nil {
				return err
			}
			room.Participants[i] = saved
		}
		return nil
	})
}

func (r *RoomRepo) GetByID(ctx context.Context, id string) (domain.Room, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sqlRoomCols+` FROM rooms WHERE id = @id`, pgx.NamedArgs{"id": id})
	if err != nil {
		return domain.Room{}, fmt.Errorf("sql select room: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[roomRow])
	if db.IsNotFoundError(err) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("sql collect room: %w", err)
	}

	room, err := r.toDomain(row)
	if err != nil {
		return domain.Room{}, err
	}

	parts, err := r.participants(ctx, `WHERE participants.room_id = @room_id`, pgx.NamedArgs{"room_id": id})
	if err != nil {
		return domain.Room{}, err
	}
	room.Participants = parts[id]
	return room, nil
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Room, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sqlRoomCols+`
		FROM rooms
		INNER JOIN participants ON participants.room_id = rooms.id
		WHERE participants.user_id = @user_id AND participants.is_active
		ORDER BY rooms.updated_at DESC, rooms.id DESC
		LIMIT @limit
	`, pgx.NamedArgs{"user_id": userID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("sql select rooms: %w", err)
	}
	roomRows, err := pgx.CollectRows(rows, pgx.RowToStructByName[roomRow])
	if err != nil {
		return nil, fmt.Errorf("sql collect rooms: %w", err)
	}

	parts, err := r.participants(ctx, `
		WHERE participants.room_id IN (
			SELECT room_id FROM participants WHERE user_id = @user_id AND is_active
		)
	`, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Room, 0, len(roomRows))
	for _, row := range roomRows {
		room, err := r.toDomain(row)
		if err != nil {
			return nil, err
		}
		room.Participants = parts[room.ID]
		out = append(out, room)
	}
	return out, nil
}

func (r *RoomRepo) UpsertParticipant(ctx context.Context, roomID, userID string, role domain.ParticipantRole, at time.Time) (domain.Participant, error) {
	var p domain.Participant
	err := r.db.RunTx(ctx, func(ctx context.Context) error {
		var exists bool
		if err := r.db.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM rooms WHERE id = @id)
		`, pgx.NamedArgs{"id": roomID}).Scan(&exists); err != nil {
			return fmt.Errorf("sql check room: %w", err)
		}
		if !exists {
			return domain.ErrRoomNotFound
		}

		var err error
		p, err = r.upsertParticipant(ctx, roomID, userID, role, at)
		return err
	})
	return p, err
}

func (r *RoomRepo) upsertParticipant(ctx context.Context, roomID, userID string, role domain.ParticipantRole, at time.Time) (domain.Participant, error) {
	if role == "" {
		role = domain.RoleMember
	}
	// New and returning participants start reading after the room's latest
	// message. An active participant keeps its cursor.
	rows, err := r.db.Query(ctx, `
		INSERT INTO participants (room_id, user_id, role, joined_at, is_active, last_read_seq, last_read_at, unread_count)
		SELECT @room_id, @user_id, @role, @at::timestamptz, TRUE, rooms.last_seq, @at::timestamptz, 0
		FROM rooms WHERE rooms.id = @room_id
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			  is_active = TRUE
			, left_at = NULL
			, joined_at = CASE WHEN participants.is_active THEN participants.joined_at ELSE EXCLUDED.joined_at END
			, last_read_seq = CASE WHEN participants.is_active THEN participants.last_read_seq ELSE EXCLUDED.last_read_seq END
			, last_read_at = CASE WHEN participants.is_active THEN participants.last_read_at ELSE EXCLUDED.last_read_at END
			, unread_count = CASE WHEN participants.is_active THEN participants.unread_count ELSE 0 END
		RETURNING `+sqlParticipantCols, pgx.NamedArgs{
		"room_id": roomID,
		"user_id": userID,
		"role":    role,
		"at":      at,
	})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("sql upsert participant: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[participantRow])
	if err != nil {
		return domain.Participant{}, fmt.Errorf("sql collect participant: %w", err)
	}
	return row.toDomain(), nil
}

func (r *RoomRepo) participants(ctx context.Context, where string, args pgx.NamedArgs) (map[string][]domain.Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sqlParticipantCols+` FROM participants `+where+`
		ORDER BY participants.room_id, participants.joined_at, participants.user_id
	`, args)
	if err != nil {
		return nil, fmt.Errorf("sql select participants: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[participantRow])
	if err != nil {
		return nil, fmt.Errorf("sql collect participants: %w", err)
	}

	out := make(map[string][]domain.Participant)
	for _, p := range list {
		out[p.RoomID] = append(out[p.RoomID], p.toDomain())
	}
	return out, nil
}

func (r *RoomRepo) DeactivateParticipant(ctx context.Context, roomID, userID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE participants
		SET is_active = FALSE, left_at = @at, unread_count = 0
		WHERE room_id = @room_id AND user_id = @user_id AND is_active
	`, pgx.NamedArgs{"at": at, "room_id": roomID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("sql deactivate participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *RoomRepo) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE participants SET muted = @muted
		WHERE room_id = @room_id AND user_id = @user_id AND is_active
	`, pgx.NamedArgs{"muted": muted, "room_id": roomID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("sql set muted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *RoomRepo) SetStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE rooms SET status = @status, updated_at = NOW() WHERE id = @id
	`, pgx.NamedArgs{"status": status, "id": roomID})
	if err != nil {
		return fmt.Errorf("sql set room status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RoomRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `
		SELECT is_active FROM participants WHERE room_id = @room_id AND user_id = @user_id
	`, pgx.NamedArgs{"room_id": roomID, "user_id": userID}).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql check membership: %w", err)
	}
	return active, nil
}

func (r *RoomRepo) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT other.user_id
		FROM participants me
		INNER JOIN participants other ON other.room_id = me.room_id
		INNER JOIN rooms ON rooms.id = me.room_id
		WHERE me.user_id = @user_id AND me.is_active
		  AND other.user_id <> @user_id AND other.is_active
		  AND rooms.status = 'active'
		ORDER BY other.user_id
	`, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("sql select contacts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("sql collect contacts: %w", err)
	}
	return ids, nil
}
