package service

import (
	"time"

	"chatcore/internal/domain"
)

// Origin identifies the connection a send came from.
type Origin struct {
	ConnID   string
	ClientID string
}

// Outgoing is a freshly persisted message together with what fan-out needs
// to route it.
type Outgoing struct {
	Message domain.Message
	Origin  Origin
	// Recipients are the room's active participants at send time.
	Recipients []domain.Participant
}

// ReadReceipt announces that a participant's read cursor moved forward.
type ReadReceipt struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	MessageID int64     `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
	// FromID is the previous cursor; messages in (FromID, MessageID] were read.
	FromID int64 `json:"-"`
}

// MembershipChange reports a participant being added to or removed from a room.
type MembershipChange struct {
	RoomID string
	UserID string
	Active bool
}

// Broadcaster pushes persisted changes to live connections. Calls must not
// block on slow consumers.
type Broadcaster interface {
	PublishMessage(out Outgoing)
	PublishEdited(m domain.Message)
	PublishDeleted(m domain.Message)
	PublishRead(r ReadReceipt)
	PublishMembership(c MembershipChange)
}

// NopBroadcaster discards everything. Used when no gateway is attached.
type NopBroadcaster struct{}

func (NopBroadcaster) PublishMessage(Outgoing)            {}
func (NopBroadcaster) PublishEdited(domain.Message)       {}
func (NopBroadcaster) PublishDeleted(domain.Message)      {}
func (NopBroadcaster) PublishRead(ReadReceipt)            {}
func (NopBroadcaster) PublishMembership(MembershipChange) {}
