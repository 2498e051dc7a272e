package ws

import (
	"encoding/json"
	"time"

	"chatcore/internal/domain"
)

// Client to server events.
const (
	EventJoinRoom    = "room:join"
	EventLeaveRoom   = "room:leave"
	EventMarkRead    = "room:mark_read"
	EventTyping      = "room:typing"
	EventSendMessage = "message:send"
	EventEditMessage = "message:edit"
	EventDeleteMsg   = "message:delete"
)

// Server to client events.
const (
	EventRoomJoined     = "room:joined"
	EventRoomLeft       = "room:left"
	EventRoomReadBy     = "room:read_by"
	EventMessageNew     = "message:new"
	EventMessageSent    = "message:sent"
	EventMessageEdited  = "message:edited"
	EventMessageDeleted = "message:deleted"
	EventMessageError   = "message:error"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type roomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

type sendMessageRequest struct {
	RoomID   string             `json:"roomId" validate:"required"`
	Content  string             `json:"content" validate:"required"`
	Type     domain.MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	ClientID string             `json:"clientId" validate:"omitempty,max=64"`
}

type markReadRequest struct {
	RoomID string `json:"roomId" validate:"required"`
	// Omitted means everything up to the newest message.
	UptoMessageID int64 `json:"uptoMessageId" validate:"gte=0"`
}

type editMessageRequest struct {
	RoomID    string `json:"roomId" validate:"required"`
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required"`
}

type deleteMessageRequest struct {
	RoomID    string `json:"roomId" validate:"required"`
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
}

type RoomJoined struct {
	RoomID            string `json:"roomId"`
	UnreadCount       int    `json:"unreadCount"`
	LastReadMessageID int64  `json:"lastReadMessageId"`
}

type RoomLeft struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// MessageSent is the sender's acknowledgement. ClientID is only set on the
// connection the send came from.
type MessageSent struct {
	domain.Message
	ClientID string `json:"clientId,omitempty"`
}

type MessageDeleted struct {
	RoomID    string `json:"roomId"`
	MessageID int64  `json:"messageId"`
}

type MessageError struct {
	Reason   string `json:"reason"`
	Code     string `json:"code"`
	RoomID   string `json:"roomId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

type ReadBy struct {
	RoomID    string    `json:"roomId"`
	MessageID int64     `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

type Typing struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type UserPresence struct {
	UserID string `json:"userId"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Data: data})
}
