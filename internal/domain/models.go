package domain

import (
	"time"

	"github.com/rs/xid"
)

// RoomKind distinguishes how a room came to exist.
type RoomKind string

const (
	RoomKindDirect  RoomKind = "direct"
	RoomKindGroup   RoomKind = "group"
	RoomKindContext RoomKind = "context-linked" // references an external entity such as a listing
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindDirect, RoomKindGroup, RoomKindContext:
		return true
	}
	return false
}

type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "active"
	RoomStatusArchived RoomStatus = "archived"
	RoomStatusBlocked  RoomStatus = "blocked"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomStatusActive, RoomStatusArchived, RoomStatusBlocked:
		return true
	}
	return false
}

type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CanManage reports whether the role may add or remove other participants.
func (r ParticipantRole) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// Room is a persistent conversation between two or more users.
type Room struct {
	ID         string     `json:"id"`
	Kind       RoomKind   `json:"kind"`
	ContextRef *string    `json:"contextRef,omitempty"`
	Status     RoomStatus `json:"status"`
	// LastSeq is the sequence of the newest message; 0 for an empty room.
	LastSeq     int64           `json:"lastSeq"`
	LastMessage *MessageSummary `json:"lastMessage,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	Participants []Participant `json:"participants"`
}

// Participant returns the participation record for userID, active or not.
func (r *Room) Participant(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// IsMember reports whether userID currently participates in the room.
func (r *Room) IsMember(userID string) bool {
	p, ok := r.Participant(userID)
	return ok && p.IsActive
}

// ActiveUserIDs lists the users currently participating in the room.
func (r *Room) ActiveUserIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.IsActive {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// MessageSummary is the cached last message used by listing views.
type MessageSummary struct {
	Seq       int64       `json:"seq"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Participant is a user's membership in a room together with its read cursor.
type Participant struct {
	RoomID      string          `json:"roomId"`
	UserID      string          `json:"userId"`
	Role        ParticipantRole `json:"role"`
	JoinedAt    time.Time       `json:"joinedAt"`
	LeftAt      *time.Time      `json:"leftAt,omitempty"`
	IsActive    bool            `json:"isActive"`
	LastReadSeq int64           `json:"lastReadMessageId"`
	LastReadAt  *time.Time      `json:"lastReadAt,omitempty"`
	UnreadCount int             `json:"unreadCount"`
	Muted       bool            `json:"muted"`
}

// Receipt records when a user received or read a message.
type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Edit is a previous version of a message's content.
type Edit struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// Message is the canonical, ordered record of something said in a room.
// ID, RoomID, SenderID, CreatedAt and the content at creation never change
// once persisted.
type Message struct {
	ID        int64       `json:"id"`
	RoomID    string      `json:"roomId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	IsDeleted bool        `json:"isDeleted"`
	EditedAt  *time.Time  `json:"editedAt,omitempty"`

	DeliveredTo []Receipt `json:"deliveredTo"`
	ReadBy      []Receipt `json:"readBy"`
	Edits       []Edit    `json:"edits,omitempty"`
}

// Summary returns the listing-view projection of m.
func (m Message) Summary() MessageSummary {
	return MessageSummary{
		Seq:       m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}

// Redacted hides the content of a soft-deleted message.
func (m Message) Redacted() Message {
	if !m.IsDeleted {
		return m
	}
	m.Content = ""
	m.Edits = nil
	return m
}

// DeliveredAt returns when userID received m.
func (m Message) DeliveredAt(userID string) (time.Time, bool) {
	return receiptAt(m.DeliveredTo, userID)
}

// ReadAt returns when userID read m.
func (m Message) ReadAt(userID string) (time.Time, bool) {
	return receiptAt(m.ReadBy, userID)
}

func receiptAt(rr []Receipt, userID string) (time.Time, bool) {
	for _, r := range rr {
		if r.UserID == userID {
			return r.At, true
		}
	}
	return time.Time{}, false
}

// NewRoomID generates a sortable, URL-safe room identifier.
func NewRoomID() string {
	return xid.New().String()
}

// ValidRoomID reports whether s is a well formed room identifier.
func ValidRoomID(s string) bool {
	id, err := xid.FromString(s)
	if err != nil {
		return false
	}
	return !id.IsNil()
}

// DirectKey is the unordered-pair key that makes direct rooms unique.
func DirectKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}
