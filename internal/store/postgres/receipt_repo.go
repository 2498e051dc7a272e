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
)

type ReceiptRepo struct {
	db *db.DB
}

func NewReceiptRepo(pool *pgxpool.Pool) *ReceiptRepo {
	return &ReceiptRepo{db: db.New(pool)}
}

var _ domain.ReceiptRepository = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) MarkDelivered(ctx context.Context, roomID, userID string, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO message_receipts (room_id, seq, user_id, delivered_at)
		SELECT room_id, seq, @user_id, @at FROM messages
		WHERE room_id = @room_id AND seq = ANY(@seqs)
		ON CONFLICT (room_id, seq, user_id) DO UPDATE SET
			delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at)
	`, pgx.NamedArgs{
		"room_id": roomID,
		"user_id": userID,
		"seqs":    seqs,
		"at":      at,
	})
	if err != nil {
		return fmt.Errorf("sql mark delivered: %w", err)
	}
	return nil
}

func (r *ReceiptRepo) MarkRead(ctx context.Context, roomID, userID string, uptoSeq int64, at time.Time) (domain.ReadResult, error) {
	var res domain.ReadResult

	err := r.db.RunTx(ctx, func(ctx context.Context) error {
		args := pgx.NamedArgs{"room_id": roomID, "user_id": userID, "at": at}

		var lastSeq int64
		err := r.db.QueryRow(ctx, `SELECT last_seq FROM rooms WHERE id = @room_id`, args).Scan(&lastSeq)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("sql select room: %w", err)
		}

		var (
			active bool
			prev   int64
			unread int
		)
		err = r.db.QueryRow(ctx, `
			SELECT is_active, last_read_seq, unread_count FROM participants
			WHERE room_id = @room_id AND user_id = @user_id
			FOR UPDATE
		`, args).Scan(&active, &prev, &unread)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
			return domain.ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("sql select participant: %w", err)
		}

		if uptoSeq <= 0 || uptoSeq > lastSeq {
			uptoSeq = lastSeq
		}
		res = domain.ReadResult{PreviousSeq: prev, Seq: prev, UnreadCount: unread, ReadAt: at}
		if uptoSeq <= prev {
			return nil
		}
		args["prev"] = prev
		args["upto"] = uptoSeq

		if _, err := r.db.Exec(ctx, `
			INSERT INTO message_receipts (room_id, seq, user_id, delivered_at, read_at)
			SELECT room_id, seq, @user_id, @at, @at FROM messages
			WHERE room_id = @room_id AND seq > @prev AND seq <= @upto AND sender_id <> @user_id
			ON CONFLICT (room_id, seq, user_id) DO UPDATE SET
				  delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at)
				, read_at = COALESCE(message_receipts.read_at, EXCLUDED.read_at)
		`, args); err != nil {
			return fmt.Errorf("sql mark read: %w", err)
		}

		if err := r.db.QueryRow(ctx, `
			UPDATE participants SET
				  last_read_seq = @upto
				, last_read_at = @at
				, unread_count = (
					SELECT COUNT(*) FROM messages
					WHERE room_id = @room_id AND seq > @upto AND sender_id <> @user_id AND NOT is_deleted
				)
			WHERE room_id = @room_id AND user_id = @user_id
			RETURNING unread_count
		`, args).Scan(&res.UnreadCount); err != nil {
			return fmt.Errorf("sql advance read cursor: %w", err)
		}

		res.Advanced = true
		res.Seq = uptoSeq
		return nil
	})
	return res, err
}
