package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

type MessageRepo struct {
	db    *sql.DB
	codec security.ContentCodec
}

func NewMessageRepo(db *sql.DB, codec security.ContentCodec) *MessageRepo {
	if codec == nil {
		codec = security.Plaintext{}
	}
	return &MessageRepo{db: db, codec: codec}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `room_id, seq, sender_id, content, type, created_at, is_deleted, edited_at`

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	content, err := r.codec.Encrypt(m.Content)
	if err != nil {
		return fmt.Errorf("encrypt content: %w", err)
	}
	at := toNanos(m.CreatedAt)

	err = runTx(ctx, r.db, func(tx *sql.Tx) error {
		var status domain.RoomStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM rooms WHERE id = ?`, m.RoomID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("get room status: %w", err)
		}
		if status != domain.RoomStatusActive {
			return domain.ErrRoomInactive
		}

		// System notices may be authored by a user who just left.
		if m.Type != domain.MessageTypeSystem {
			var active bool
			err := tx.QueryRowContext(ctx, `
				SELECT is_active FROM participants WHERE room_id = ? AND user_id = ?
			`, m.RoomID, m.SenderID).Scan(&active)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
				return domain.ErrNotMember
			}
			if err != nil {
				return fmt.Errorf("check membership: %w", err)
			}
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `
			UPDATE rooms SET
				last_seq = last_seq + 1,
				last_sender_id = ?,
				last_content = ?,
				last_type = ?,
				last_message_at = ?,
				updated_at = ?
			WHERE id = ?
			RETURNING last_seq
		`, m.SenderID, content, m.Type, at, at, m.RoomID).Scan(&seq); err != nil {
			return fmt.Errorf("advance room sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (room_id, seq, sender_id, content, type, created_at, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, m.RoomID, seq, m.SenderID, content, m.Type, at); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (room_id, seq, user_id, delivered_at, read_at)
			VALUES (?, ?, ?, ?, ?)
		`, m.RoomID, seq, m.SenderID, at, at); err != nil {
			return fmt.Errorf("insert sender receipt: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET unread_count = unread_count + 1
			WHERE room_id = ? AND user_id <> ? AND is_active = 1
		`, m.RoomID, m.SenderID); err != nil {
			return fmt.Errorf("bump unread counts: %w", err)
		}

		m.ID = seq
		return nil
	})
	if err != nil {
		return err
	}

	m.DeliveredTo = []domain.Receipt{{UserID: m.SenderID, At: m.CreatedAt}}
	m.ReadBy = []domain.Receipt{{UserID: m.SenderID, At: m.CreatedAt}}
	return nil
}

func (r *MessageRepo) Get(ctx context.Context, roomID string, seq int64) (domain.Message, error) {
	msgs, err := r.query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND seq = ?
	`, roomID, seq)
	if err != nil {
		return domain.Message{}, err
	}
	if len(msgs) == 0 {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (r *MessageRepo) ListBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	return r.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = ? AND (? <= 0 OR seq < ?)
		ORDER BY seq DESC
		LIMIT ?
	`, roomID, beforeSeq, beforeSeq, limit)
}

func (r *MessageRepo) ListUnread(ctx context.Context, roomID, userID string, afterSeq int64, limit int) ([]domain.Message, error) {
	msgs, err := r.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = ? AND seq > ? AND sender_id <> ? AND is_deleted = 0
		ORDER BY seq DESC
		LIMIT ?
	`, roomID, afterSeq, userID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (r *MessageRepo) Edit(ctx context.Context, roomID string, seq int64, content string, at time.Time) (domain.Message, error) {
	enc, err := r.codec.Encrypt(content)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encrypt content: %w", err)
	}

	err = runTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			prev    string
			deleted bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT content, is_deleted FROM messages WHERE room_id = ? AND seq = ?
		`, roomID, seq).Scan(&prev, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}
		if deleted {
			return domain.NewValidationError("messageId", "message is deleted")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_edits (room_id, seq, version, content, edited_at)
			SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?
			FROM message_edits WHERE room_id = ? AND seq = ?
		`, roomID, seq, prev, toNanos(at), roomID, seq); err != nil {
			return fmt.Errorf("insert edit: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET content = ?, edited_at = ? WHERE room_id = ? AND seq = ?
		`, enc, toNanos(at), roomID, seq); err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE rooms SET last_content = ? WHERE id = ? AND last_seq = ?
		`, enc, roomID, seq); err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return r.Get(ctx, roomID, seq)
}

func (r *MessageRepo) SoftDelete(ctx context.Context, roomID string, seq int64, at time.Time) (domain.Message, error) {
	empty, err := r.codec.Encrypt("")
	if err != nil {
		return domain.Message{}, fmt.Errorf("encrypt content: %w", err)
	}

	err = runTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			senderID string
			deleted  bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT sender_id, is_deleted FROM messages WHERE room_id = ? AND seq = ?
		`, roomID, seq).Scan(&senderID, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("check message: %w", err)
		}
		if deleted {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_deleted = 1 WHERE room_id = ? AND seq = ?
		`, roomID, seq); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}

		// A deleted message no longer counts as unread for anyone who had
		// not read past it.
		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET unread_count = unread_count - 1
			WHERE room_id = ? AND is_active = 1 AND user_id <> ? AND last_read_seq < ? AND unread_count > 0
		`, roomID, senderID, seq); err != nil {
			return fmt.Errorf("update unread counts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE rooms SET last_content = ? WHERE id = ? AND last_seq = ?
		`, empty, roomID, seq); err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return r.Get(ctx, roomID, seq)
}

func (r *MessageRepo) query(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			createdAt int64
			editedAt  sql.NullInt64
		)
		if err := rows.Scan(
			&m.RoomID,
			&m.ID,
			&m.SenderID,
			&m.Content,
			&m.Type,
			&createdAt,
			&m.IsDeleted,
			&editedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromNanos(createdAt)
		m.EditedAt = timePtr(editedAt)
		if m.Content, err = r.codec.Decrypt(m.Content); err != nil {
			return nil, fmt.Errorf("decrypt message %d: %w", m.ID, err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// The pool holds a single connection; release it before loading details.
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}

	if err := r.attach(ctx, res); err != nil {
		return nil, err
	}
	for i := range res {
		res[i] = res[i].Redacted()
	}
	return res, nil
}

// attach loads receipts and edit history for msgs, which all belong to one room.
func (r *MessageRepo) attach(ctx context.Context, msgs []domain.Message) error {
	roomID := msgs[0].RoomID
	lo, hi := msgs[0].ID, msgs[0].ID
	index := make(map[int64]int, len(msgs))
	for i, m := range msgs {
		lo = min(lo, m.ID)
		hi = max(hi, m.ID)
		index[m.ID] = i
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, user_id, delivered_at, read_at FROM message_receipts
		WHERE room_id = ? AND seq BETWEEN ? AND ?
		ORDER BY seq, COALESCE(delivered_at, read_at), user_id
	`, roomID, lo, hi)
	if err != nil {
		return fmt.Errorf("list receipts: %w", err)
	}
	for rows.Next() {
		var (
			seq               int64
			userID            string
			delivered, readAt sql.NullInt64
		)
		if err := rows.Scan(&seq, &userID, &delivered, &readAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan receipt: %w", err)
		}
		i, ok := index[seq]
		if !ok {
			continue
		}
		if delivered.Valid {
			msgs[i].DeliveredTo = append(msgs[i].DeliveredTo, domain.Receipt{UserID: userID, At: fromNanos(delivered.Int64)})
		}
		if readAt.Valid {
			msgs[i].ReadBy = append(msgs[i].ReadBy, domain.Receipt{UserID: userID, At: fromNanos(readAt.Int64)})
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close receipts: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT seq, content, edited_at FROM message_edits
		WHERE room_id = ? AND seq BETWEEN ? AND ?
		ORDER BY seq, version
	`, roomID, lo, hi)
	if err != nil {
		return fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq      int64
			content  string
			editedAt int64
		)
		if err := rows.Scan(&seq, &content, &editedAt); err != nil {
			return fmt.Errorf("scan edit: %w", err)
		}
		i, ok := index[seq]
		if !ok {
			continue
		}
		if content, err = r.codec.Decrypt(content); err != nil {
			return fmt.Errorf("decrypt edit: %w", err)
		}
		msgs[i].Edits = append(msgs[i].Edits, domain.Edit{Content: content, EditedAt: fromNanos(editedAt)})
	}
	return rows.Err()
}
