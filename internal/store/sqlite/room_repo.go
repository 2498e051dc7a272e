package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

type RoomRepo struct {
	db    *sql.DB
	codec security.ContentCodec
}

func NewRoomRepo(db *sql.DB, codec security.ContentCodec) *RoomRepo {
	if codec == nil {
		codec = security.Plaintext{}
	}
	return &RoomRepo{db: db, codec: codec}
}

var _ domain.RoomRepository = (*RoomRepo)(nil)

const roomColumns = `id, kind, context_ref, status, last_seq, last_sender_id, last_content, last_type, last_message_at, created_at, updated_at`

const participantColumns = `room_id, user_id, role, joined_at, left_at, is_active, last_read_seq, last_read_at, unread_count, muted`

func (r *RoomRepo) CreateDirect(ctx context.Context, userA, userB string, at time.Time) (domain.Room, bool, error) {
	key := domain.DirectKey(userA, userB)
	var (
		roomID  string
		created bool
	)

	err := runTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, kind, direct_key, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (direct_key) DO NOTHING
		`, domain.NewRoomID(), domain.RoomKindDirect, key, domain.RoomStatusActive, toNanos(at), toNanos(at))
		if err != nil {
			return fmt.Errorf("insert direct room: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		created = n == 1

		var status domain.RoomStatus
		if err := tx.QueryRowContext(ctx, `SELECT id, status FROM rooms WHERE direct_key = ?`, key).Scan(&roomID, &status); err != nil {
			return fmt.Errorf("select direct room: %w", err)
		}

		// An archived pair is brought back; a blocked one stays blocked.
		if status == domain.RoomStatusArchived {
			if _, err := tx.ExecContext(ctx, `UPDATE rooms SET status = ?, updated_at = ? WHERE id = ?`,
				domain.RoomStatusActive, toNanos(at), roomID); err != nil {
				return fmt.Errorf("reactivate direct room: %w", err)
			}
		}

		for _, uid := range []string{userA, userB} {
			if _, err := upsertParticipant(ctx, tx, roomID, uid, domain.RoleMember, at); err != nil {
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

	return runTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, kind, context_ref, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, room.ID, room.Kind, room.ContextRef, room.Status, toNanos(room.CreatedAt), toNanos(room.UpdatedAt)); err != nil {
			return fmt.Errorf("insert room: %w", err)
		}

		for i, p := range room.Participants {
			saved, err := upsertParticipant(ctx, tx, room.ID, p.UserID, p.Role, p.JoinedAt)
			if err != nil {
				return err
			}
			room.Participants[i] = saved
		}
		return nil
	})
}

func (r *RoomRepo) GetByID(ctx context.Context, id string) (domain.Room, error) {
	room, err := r.scanRoom(r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}

	parts, err := listParticipants(ctx, r.db, `WHERE room_id = ?`, id)
	if err != nil {
		return domain.Room{}, err
	}
	room.Participants = parts[id]
	return room, nil
}

func (r *RoomRepo) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixed("r.", roomColumns)+`
		FROM rooms r
		JOIN participants p ON p.room_id = r.id
		WHERE p.user_id = ? AND p.is_active = 1
		ORDER BY r.updated_at DESC, r.id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		room, err := r.scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}

	parts, err := listParticipants(ctx, r.db, `
		WHERE room_id IN (SELECT room_id FROM participants WHERE user_id = ? AND is_active = 1)
	`, userID)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Participants = parts[rooms[i].ID]
	}
	return rooms, nil
}

func (r *RoomRepo) UpsertParticipant(ctx context.Context, roomID, userID string, role domain.ParticipantRole, at time.Time) (domain.Participant, error) {
	var p domain.Participant
	err := runTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE id = ?`, roomID).Scan(&exists); err != nil {
			return fmt.Errorf("check room: %w", err)
		}
		if exists == 0 {
			return domain.ErrRoomNotFound
		}

		var err error
		p, err = upsertParticipant(ctx, tx, roomID, userID, role, at)
		return err
	})
	return p, err
}

func (r *RoomRepo) DeactivateParticipant(ctx context.Context, roomID, userID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE participants
		SET is_active = 0, left_at = ?, unread_count = 0
		WHERE room_id = ? AND user_id = ? AND is_active = 1
	`, toNanos(at), roomID, userID)
	if err != nil {
		return fmt.Errorf("deactivate participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *RoomRepo) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE participants SET muted = ? WHERE room_id = ? AND user_id = ? AND is_active = 1
	`, muted, roomID, userID)
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *RoomRepo) SetStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rooms SET status = ?, updated_at = ? WHERE id = ?
	`, status, toNanos(time.Now()), roomID)
	if err != nil {
		return fmt.Errorf("set room status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RoomRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `
		SELECT is_active FROM participants WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return active, nil
}

func (r *RoomRepo) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT other.user_id
		FROM participants me
		JOIN participants other ON other.room_id = me.room_id
		JOIN rooms r ON r.id = me.room_id
		WHERE me.user_id = ? AND me.is_active = 1
		  AND other.user_id <> ? AND other.is_active = 1
		  AND r.status = 'active'
		ORDER BY other.user_id
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RoomRepo) scanRoom(row rowScanner) (domain.Room, error) {
	var (
		room                    domain.Room
		contextRef              sql.NullString
		lastSender, lastContent sql.NullString
		lastType                sql.NullString
		lastAt                  sql.NullInt64
		createdAt, updatedAt    int64
	)
	if err := row.Scan(
		&room.ID,
		&room.Kind,
		&contextRef,
		&room.Status,
		&room.LastSeq,
		&lastSender,
		&lastContent,
		&lastType,
		&lastAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Room{}, err
	}

	if contextRef.Valid {
		room.ContextRef = &contextRef.String
	}
	room.CreatedAt = fromNanos(createdAt)
	room.UpdatedAt = fromNanos(updatedAt)

	if room.LastSeq > 0 && lastSender.Valid {
		content, err := r.codec.Decrypt(lastContent.String)
		if err != nil {
			return domain.Room{}, fmt.Errorf("decrypt last message: %w", err)
		}
		room.LastMessage = &domain.MessageSummary{
			Seq:       room.LastSeq,
			SenderID:  lastSender.String,
			Content:   content,
			Type:      domain.MessageType(lastType.String),
			CreatedAt: fromNanos(lastAt.Int64),
		}
	}
	return room, nil
}

func upsertParticipant(ctx context.Context, q querier, roomID, userID string, role domain.ParticipantRole, at time.Time) (domain.Participant, error) {
	if role == "" {
		role = domain.RoleMember
	}

	// A new or returning participant starts with its cursor at the room's
	// latest message; history from before the (re)join is never unread. An
	// active participant is left untouched. A returning one keeps its role.
	if _, err := q.ExecContext(ctx, `
		INSERT INTO participants (room_id, user_id, role, joined_at, is_active, last_read_seq, last_read_at, unread_count)
		SELECT ?, ?, ?, ?, 1, last_seq, ?, 0 FROM rooms WHERE id = ?
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			is_active = 1,
			left_at = NULL,
			joined_at = CASE WHEN participants.is_active = 1 THEN participants.joined_at ELSE excluded.joined_at END,
			last_read_seq = CASE WHEN participants.is_active = 1 THEN participants.last_read_seq ELSE excluded.last_read_seq END,
			last_read_at = CASE WHEN participants.is_active = 1 THEN participants.last_read_at ELSE excluded.last_read_at END,
			unread_count = CASE WHEN participants.is_active = 1 THEN participants.unread_count ELSE 0 END
	`, roomID, userID, role, toNanos(at), toNanos(at), roomID); err != nil {
		return domain.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	p, err := scanParticipant(q.QueryRowContext(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE room_id = ? AND user_id = ?
	`, roomID, userID))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func listParticipants(ctx context.Context, q querier, where string, args ...any) (map[string][]domain.Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM participants `+where+`
		ORDER BY room_id, joined_at, user_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]domain.Participant)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		res[p.RoomID] = append(res[p.RoomID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return res, nil
}

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var (
		p              domain.Participant
		joinedAt       int64
		leftAt, readAt sql.NullInt64
	)
	if err := row.Scan(
		&p.RoomID,
		&p.UserID,
		&p.Role,
		&joinedAt,
		&leftAt,
		&p.IsActive,
		&p.LastReadSeq,
		&readAt,
		&p.UnreadCount,
		&p.Muted,
	); err != nil {
		return domain.Participant{}, err
	}
	p.JoinedAt = fromNanos(joinedAt)
	p.LeftAt = timePtr(leftAt)
	p.LastReadAt = timePtr(readAt)
	return p, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = prefix + c
	}
	return strings.Join(parts, ", ")
}
