package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nicolasparada/go-db"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

type MessageRepo struct {
	db    *db.DB
	codec security.ContentCodec
}

func NewMessageRepo(pool *pgxpool.Pool, codec security.ContentCodec) *MessageRepo {
	if codec == nil {
		codec = security.Plaintext{}
	}
	return &MessageRepo{db: db.New(pool), codec: codec}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const sqlMessageCols = `
	  messages.room_id
	, messages.seq
	, messages.sender_id
	, messages.content
	, messages.type
	, messages.created_at
	, messages.is_deleted
	, messages.edited_at
`

type messageRow struct {
	RoomID    string     `db:"room_id"`
	Seq       int64      `db:"seq"`
	SenderID  string     `db:"sender_id"`
	Content   string     `db:"content"`
	Type      string     `db:"type"`
	CreatedAt time.Time  `db:"created_at"`
	IsDeleted bool       `db:"is_deleted"`
	EditedAt  *time.Time `db:"edited_at"`
}

type receiptRow struct {
	Seq         int64      `db:"seq"`
	UserID      string     `db:"user_id"`
	DeliveredAt *time.Time `db:"delivered_at"`
	ReadAt      *time.Time `db:"read_at"`
}

type editRow struct {
	Seq      int64     `db:"seq"`
	Content  string    `db:"content"`
	EditedAt time.Time `db:"edited_at"`
}

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	content, err := r.codec.Encrypt(m.Content)
	if err != nil {
		return fmt.Errorf("encrypt content: %w", err)
	}

	err = r.db.RunTx(ctx, func(ctx context.Context) error {
		var status string
		err := r.db.QueryRow(ctx, `
			SELECT status FROM rooms WHERE id = @room_id FOR UPDATE
		`, pgx.NamedArgs{"room_id": m.RoomID}).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("sql select room status: %w", err)
		}
		if domain.RoomStatus(status) != domain.RoomStatusActive {
			return domain.ErrRoomInactive
		}

		if m.Type != domain.MessageTypeSystem {
			var active bool
			err := r.db.QueryRow(ctx, `
				SELECT is_active FROM participants WHERE room_id = @room_id AND user_id = @user_id
			`, pgx.NamedArgs{"room_id": m.RoomID, "user_id": m.SenderID}).Scan(&active)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
				return domain.ErrNotMember
			}
			if err != nil {
				return fmt.Errorf("sql check membership: %w", err)
			}
		}

		args := pgx.NamedArgs{
			"room_id":   m.RoomID,
			"sender_id": m.SenderID,
			"content":   content,
			"type":      m.Type,
			"at":        m.CreatedAt,
		}

		var seq int64
		if err := r.db.QueryRow(ctx, `
			UPDATE rooms SET
				  last_seq = last_seq + 1
				, last_sender_id = @sender_id
				, last_content = @content
				, last_type = @type
				, last_message_at = @at
				, updated_at = @at
			WHERE id = @room_id
			RETURNING last_seq
		`, args).Scan(&seq); err != nil {
			return fmt.Errorf("sql advance room sequence: %w", err)
		}
		args["seq"] = seq

		if _, err := r.db.Exec(ctx, `
			INSERT INTO messages (room_id, seq, sender_id, content, type, created_at)
			VALUES (@room_id, @seq, @sender_id, @content, @type, @at)
		`, args); err != nil {
			return fmt.Errorf("sql insert message: %w", err)
		}

		if _, err := r.db.Exec(ctx, `
			INSERT INTO message_receipts (room_id, seq, user_id, delivered_at, read_at)
			VALUES (@room_id, @seq, @sender_id, @at, @at)
		`, args); err != nil {
			return fmt.Errorf("sql insert sender receipt: %w", err)
		}

		if _, err := r.db.Exec(ctx, `
			UPDATE participants SET unread_count = unread_count + 1
			WHERE room_id = @room_id AND user_id <> @sender_id AND is_active
		`, args); err != nil {
			return fmt.Errorf("sql bump unread counts: %w", err)
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
	msgs, err := r.list(ctx, `
		SELECT `+sqlMessageCols+` FROM messages WHERE room_id = @room_id AND seq = @seq
	`, pgx.NamedArgs{"room_id": roomID, "seq": seq})
	if err != nil {
		return domain.Message{}, err
	}
	if len(msgs) == 0 {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (r *MessageRepo) ListBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	return r.list(ctx, `
		SELECT `+sqlMessageCols+` FROM messages
		WHERE room_id = @room_id AND (@before <= 0 OR seq < @before)
		ORDER BY seq DESC
		LIMIT @limit
	`, pgx.NamedArgs{"room_id": roomID, "before": beforeSeq, "limit": limit})
}

func (r *MessageRepo) ListUnread(ctx context.Context, roomID, userID string, afterSeq int64, limit int) ([]domain.Message, error) {
	msgs, err := r.list(ctx, `
		SELECT `+sqlMessageCols+` FROM messages
		WHERE room_id = @room_id AND seq > @after AND sender_id <> @user_id AND NOT is_deleted
		ORDER BY seq DESC
		LIMIT @limit
	`, pgx.NamedArgs{"room_id": roomID, "after": afterSeq, "user_id": userID, "limit": limit})
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

	args := pgx.NamedArgs{"room_id": roomID, "seq": seq, "content": enc, "at": at}
	err = r.db.RunTx(ctx, func(ctx context.Context) error {
		var (
			prev    string
			deleted bool
		)
		err := r.db.QueryRow(ctx, `
			SELECT content, is_deleted FROM messages WHERE room_id = @room_id AND seq = @seq FOR UPDATE
		`, args).Scan(&prev, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("sql select message: %w", err)
		}
		if deleted {
			return domain.NewValidationError("messageId", "message is deleted")
		}

		args["prev"] = prev
		if _, err := r.db.Exec(ctx, `
			INSERT INTO message_edits (room_id, seq, version, content, edited_at)
			SELECT @room_id, @seq, COALESCE(MAX(version), 0) + 1, @prev, @at
			FROM message_edits WHERE room_id = @room_id AND seq = @seq
		`, args); err != nil {
			return fmt.Errorf("sql insert edit: %w", err)
		}

		if _, err := r.db.Exec(ctx, `
			UPDATE messages SET content = @content, edited_at = @at WHERE room_id = @room_id AND seq = @seq
		`, args); err != nil {
			return fmt.Errorf("sql update message: %w", err)
		}

		if _, err := r.db.Exec(ctx, `
			UPDATE rooms SET last_content = @content WHERE id = @room_id AND last_seq = @seq
		`, args); err != nil {
			return fmt.Errorf("sql update last message: %w", err)
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

	args := pgx.NamedArgs{"room_id": roomID, "seq": seq, "empty": empty}
	err = r.db.RunTx(ctx, func(ctx context.Context) error {
		var (
			senderID string
			deleted  bool
		)
		err := r.db.QueryRow(ctx, `
			SELECT sender_id, is_deleted FROM messages WHERE room_id = @room_id AND seq = @seq FOR UPDATE
		`, args).Scan(&senderID, &deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("sql check message: %w", err)
		}
		if deleted {
			return nil
		}

		if _, err := r.db.Exec(ctx, `
			UPDATE messages SET is_deleted = TRUE WHERE room_id = @room_id AND seq = @seq
		`, args); err != nil {
			return fmt.Errorf("sql delete message: %w", err)
		}

		args["sender_id"] = senderID
		if _, err := r.db.Exec(ctx, `
			UPDATE participants SET unread_count = unread_count - 1
			WHERE room_id = @room_id AND is_active AND user_id <> @sender_id
				AND last_read_seq < @seq AND unread_count > 0
		`, args); err != nil {
			return fmt.Errorf("sql update unread counts: %w", err)
		}

		if _, err := r.db.Exec(ctx, `
			UPDATE rooms SET last_content = @empty WHERE id = @room_id AND last_seq = @seq
		`, args); err != nil {
			return fmt.Errorf("sql update last message: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return r.Get(ctx, roomID, seq)
}

func (r *MessageRepo) list(ctx context.Context, query string, args pgx.NamedArgs) ([]domain.Message, error) {
	rows, err := r.db.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("sql select messages: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[messageRow])
	if err != nil {
		return nil, fmt.Errorf("sql collect messages: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}

	out := make([]domain.Message, 0, len(list))
	index := make(map[int64]int, len(list))
	lo, hi := list[0].Seq, list[0].Seq
	for i, row := range list {
		content, err := r.codec.Decrypt(row.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt message %d: %w", row.Seq, err)
		}
		out = append(out, domain.Message{
			ID:        row.Seq,
			RoomID:    row.RoomID,
			SenderID:  row.SenderID,
			Content:   content,
			Type:      domain.MessageType(row.Type),
			CreatedAt: row.CreatedAt.UTC(),
			IsDeleted: row.IsDeleted,
			EditedAt:  row.EditedAt,
		})
		index[row.Seq] = i
		lo = min(lo, row.Seq)
		hi = max(hi, row.Seq)
	}

	span := pgx.NamedArgs{"room_id": list[0].RoomID, "lo": lo, "hi": hi}

	rows, err = r.db.Query(ctx, `
		SELECT seq, user_id, delivered_at, read_at FROM message_receipts
		WHERE room_id = @room_id AND seq BETWEEN @lo AND @hi
		ORDER BY seq, COALESCE(delivered_at, read_at), user_id
	`, span)
	if err != nil {
		return nil, fmt.Errorf("sql select receipts: %w", err)
	}
	receipts, err := pgx.CollectRows(rows, pgx.RowToStructByName[receiptRow])
	if err != nil {
		return nil, fmt.Errorf("sql collect receipts: %w", err)
	}
	for _, rc := range receipts {
		i, ok := index[rc.Seq]
		if !ok {
			continue
		}
		if rc.DeliveredAt != nil {
			out[i].DeliveredTo = append(out[i].DeliveredTo, domain.Receipt{UserID: rc.UserID, At: rc.DeliveredAt.UTC()})
		}
		if rc.ReadAt != nil {
			out[i].ReadBy = append(out[i].ReadBy, domain.Receipt{UserID: rc.UserID, At: rc.ReadAt.UTC()})
		}
	}

	rows, err = r.db.Query(ctx, `
		SELECT seq, content, edited_at FROM message_edits
		WHERE room_id = @room_id AND seq BETWEEN @lo AND @hi
		ORDER BY seq, version
	`, span)
	if err != nil {
		return nil, fmt.Errorf("sql select edits: %w", err)
	}
	edits, err := pgx.CollectRows(rows, pgx.RowToStructByName[editRow])
	if err != nil {
		return nil, fmt.Errorf("sql collect edits: %w", err)
	}
	for _, e := range edits {
		i, ok := index[e.Seq]
		if !ok {
			continue
		}
		content, err := r.codec.Decrypt(e.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt edit: %w", err)
		}
		out[i].Edits = append(out[i].Edits, domain.Edit{Content: content, EditedAt: e.EditedAt.UTC()})
	}

	for i := range out {
		out[i] = out[i].Redacted()
	}
	return out, nil
}
