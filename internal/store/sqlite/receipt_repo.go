package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/domain"
)

type ReceiptRepo struct {
	db *sql.DB
}

func NewReceiptRepo(db *sql.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

var _ domain.ReceiptRepository = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) MarkDelivered(ctx context.Context, roomID, userID string, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}

	return runTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_receipts (room_id, seq, user_id, delivered_at)
				SELECT room_id, seq, ?, ? FROM messages WHERE room_id = ? AND seq = ?
				ON CONFLICT (room_id, seq, user_id) DO UPDATE SET
					delivered_at = COALESCE(message_receipts.delivered_at, excluded.delivered_at)
			`, userID, toNanos(at), roomID, seq); err != nil {
				return fmt.Errorf("mark delivered: %w", err)
			}
		}
		return nil
	})
}

func (r *ReceiptRepo) MarkRead(ctx context.Context, roomID, userID string, uptoSeq int64, at time.Time) (domain.ReadResult, error) {
	var res domain.ReadResult

	err := runTx(ctx, r.db, func(tx *sql.Tx) error {
		var lastSeq int64
		err := tx.QueryRowContext(ctx, `SELECT last_seq FROM rooms WHERE id = ?`, roomID).Scan(&lastSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("get room: %w", err)
		}

		var (
			active bool
			prev   int64
			unread int
		)
		err = tx.QueryRowContext(ctx, `
			SELECT is_active, last_read_seq, unread_count FROM participants WHERE room_id = ? AND user_id = ?
		`, roomID, userID).Scan(&active, &prev, &unread)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return domain.ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("get participant: %w", err)
		}

		if uptoSeq <= 0 || uptoSeq > lastSeq {
			uptoSeq = lastSeq
		}
		res = domain.ReadResult{PreviousSeq: prev, Seq: prev, UnreadCount: unread, ReadAt: at}
		if uptoSeq <= prev {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (room_id, seq, user_id, delivered_at, read_at)
			SELECT room_id, seq, ?, ?, ? FROM messages
			WHERE room_id = ? AND seq > ? AND seq <= ? AND sender_id <> ?
			ON CONFLICT (room_id, seq, user_id) DO UPDATE SET
				delivered_at = COALESCE(message_receipts.delivered_at, excluded.delivered_at),
				read_at = COALESCE(message_receipts.read_at, excluded.read_at)
		`, userID, toNanos(at), toNanos(at), roomID, prev, uptoSeq, userID); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET
				last_read_seq = ?,
				last_read_at = ?,
				unread_count = (
					SELECT COUNT(*) FROM messages
					WHERE room_id = ? AND seq > ? AND sender_id <> ? AND is_deleted = 0
				)
			WHERE room_id = ? AND user_id = ?
		`, uptoSeq, toNanos(at), roomID, uptoSeq, userID, roomID, userID); err != nil {
			return fmt.Errorf("advance read cursor: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT unread_count FROM participants WHERE room_id = ? AND user_id = ?
		`, roomID, userID).Scan(&res.UnreadCount); err != nil {
			return fmt.Errorf("get unread count: %w", err)
		}

		res.Advanced = true
		res.Seq = uptoSeq
		return nil
	})
	return res, err
}
