package domain

import (
	"context"
	"time"
)

// RoomRepository defines persistence operations for rooms and their participants.
type RoomRepository interface {
	// CreateDirect atomically returns the active direct room for the unordered
	// pair, creating it when absent. created reports whether a new room was made.
	CreateDirect(ctx context.Context, userA, userB string, at time.Time) (room Room, created bool, err error)
	Create(ctx context.Context, room *Room) error
	GetByID(ctx context.Context, id string) (Room, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Room, error)
	// UpsertParticipant adds userID or reactivates a previous participation.
	UpsertParticipant(ctx context.Context, roomID, userID string, role ParticipantRole, at time.Time) (Participant, error)
	DeactivateParticipant(ctx context.Context, roomID, userID string, at time.Time) error
	SetMuted(ctx context.Context, roomID, userID string, muted bool) error
	SetStatus(ctx context.Context, roomID string, status RoomStatus) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	// ContactIDs lists the other users sharing at least one active room with userID.
	ContactIDs(ctx context.Context, userID string) ([]string, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Append assigns the next room sequence to m, stores it, refreshes the
	// room's cached last message and unread counters, all in one transaction.
	Append(ctx context.Context, m *Message) error
	Get(ctx context.Context, roomID string, seq int64) (Message, error)
	// ListBefore returns up to limit messages with seq < beforeSeq, newest
	// first. beforeSeq <= 0 starts from the newest message.
	ListBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]Message, error)
	// ListUnread returns the newest limit messages after afterSeq that were
	// not sent by userID, in ascending order.
	ListUnread(ctx context.Context, roomID, userID string, afterSeq int64, limit int) ([]Message, error)
	Edit(ctx context.Context, roomID string, seq int64, content string, at time.Time) (Message, error)
	SoftDelete(ctx context.Context, roomID string, seq int64, at time.Time) (Message, error)
}

// ReceiptRepository defines operations around delivery and read receipts.
type ReceiptRepository interface {
	// MarkDelivered adds delivered entries that are not present yet.
	MarkDelivered(ctx context.Context, roomID, userID string, seqs []int64, at time.Time) error
	// MarkRead moves the participant's read cursor forward to uptoSeq
	// (clamped to the room's newest message, 0 meaning newest) and stamps
	// read receipts, synthesizing delivered entries where missing.
	MarkRead(ctx context.Context, roomID, userID string, uptoSeq int64, at time.Time) (ReadResult, error)
}

// ReadResult describes the outcome of a read cursor update.
type ReadResult struct {
	// Advanced is false when the request was older than the stored cursor.
	Advanced    bool
	PreviousSeq int64
	Seq         int64
	UnreadCount int
	ReadAt      time.Time
}
