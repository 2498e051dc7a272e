package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects a pgx pool and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id              VARCHAR(20)  PRIMARY KEY,
			kind            VARCHAR(20)  NOT NULL,
			context_ref     TEXT,
			direct_key      TEXT         UNIQUE,
			status          VARCHAR(20)  NOT NULL DEFAULT 'active',
			last_seq        BIGINT       NOT NULL DEFAULT 0,
			last_sender_id  TEXT,
			last_content    TEXT,
			last_type       VARCHAR(20),
			last_message_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS participants (
			room_id       VARCHAR(20)  NOT NULL REFERENCES rooms(id),
			user_id       TEXT         NOT NULL,
			role          VARCHAR(20)  NOT NULL DEFAULT 'member',
			joined_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			left_at       TIMESTAMPTZ,
			is_active     BOOLEAN      NOT NULL DEFAULT TRUE,
			last_read_seq BIGINT       NOT NULL DEFAULT 0,
			last_read_at  TIMESTAMPTZ,
			unread_count  INTEGER      NOT NULL DEFAULT 0,
			muted         BOOLEAN      NOT NULL DEFAULT FALSE,
			PRIMARY KEY (room_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			room_id    VARCHAR(20)  NOT NULL REFERENCES rooms(id),
			seq        BIGINT       NOT NULL,
			sender_id  TEXT         NOT NULL,
			content    TEXT         NOT NULL,
			type       VARCHAR(20)  NOT NULL,
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			is_deleted BOOLEAN      NOT NULL DEFAULT FALSE,
			edited_at  TIMESTAMPTZ,
			PRIMARY KEY (room_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS message_edits (
			room_id   VARCHAR(20)  NOT NULL,
			seq       BIGINT       NOT NULL,
			version   INTEGER      NOT NULL,
			content   TEXT         NOT NULL,
			edited_at TIMESTAMPTZ  NOT NULL,
			PRIMARY KEY (room_id, seq, version),
			FOREIGN KEY (room_id, seq) REFERENCES messages(room_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS message_receipts (
			room_id      VARCHAR(20)  NOT NULL,
			seq          BIGINT       NOT NULL,
			user_id      TEXT         NOT NULL,
			delivered_at TIMESTAMPTZ,
			read_at      TIMESTAMPTZ,
			PRIMARY KEY (room_id, seq, user_id),
			FOREIGN KEY (room_id, seq) REFERENCES messages(room_id, seq)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(room_id, sender_id)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
