package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database file. The pool is capped at one connection:
// SQLite serializes writers anyway and a single connection keeps
// transactions from failing with SQLITE_BUSY under concurrent sends.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the chat schema. Timestamps are stored as
// unix nanoseconds so ordering and equality survive a round trip exactly.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id              TEXT    PRIMARY KEY,
			kind            TEXT    NOT NULL,
			context_ref     TEXT    DEFAULT NULL,
			direct_key      TEXT    UNIQUE DEFAULT NULL,
			status          TEXT    NOT NULL DEFAULT 'active',
			last_seq        INTEGER NOT NULL DEFAULT 0,
			last_sender_id  TEXT    DEFAULT NULL,
			last_content    TEXT    DEFAULT NULL,
			last_type       TEXT    DEFAULT NULL,
			last_message_at INTEGER DEFAULT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			room_id       TEXT    NOT NULL REFERENCES rooms(id),
			user_id       TEXT    NOT NULL,
			role          TEXT    NOT NULL DEFAULT 'member',
			joined_at     INTEGER NOT NULL,
			left_at       INTEGER DEFAULT NULL,
			is_active     INTEGER NOT NULL DEFAULT 1,
			last_read_seq INTEGER NOT NULL DEFAULT 0,
			last_read_at  INTEGER DEFAULT NULL,
			unread_count  INTEGER NOT NULL DEFAULT 0,
			muted         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			room_id    TEXT    NOT NULL REFERENCES rooms(id),
			seq        INTEGER NOT NULL,
			sender_id  TEXT    NOT NULL,
			content    TEXT    NOT NULL,
			type       TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			edited_at  INTEGER DEFAULT NULL,
			PRIMARY KEY (room_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS message_edits (
			room_id   TEXT    NOT NULL,
			seq       INTEGER NOT NULL,
			version   INTEGER NOT NULL,
			content   TEXT    NOT NULL,
			edited_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, seq, version),
			FOREIGN KEY (room_id, seq) REFERENCES messages(room_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			room_id      TEXT    NOT NULL,
			seq          INTEGER NOT NULL,
			user_id      TEXT    NOT NULL,
			delivered_at INTEGER DEFAULT NULL,
			read_at      INTEGER DEFAULT NULL,
			PRIMARY KEY (room_id, seq, user_id),
			FOREIGN KEY (room_id, seq) REFERENCES messages(room_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id, is_active);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(room_id, sender_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
