package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

type directRoomRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type roomCreateRequest struct {
	Kind           domain.RoomKind `json:"kind" validate:"required,oneof=group context-linked"`
	ContextRef     *string         `json:"contextRef" validate:"omitempty,max=256"`
	ParticipantIDs []string        `json:"participantIds" validate:"required,min=1,dive,required"`
}

type markReadRequest struct {
	UptoMessageID int64 `json:"uptoMessageId" validate:"gte=0"`
}

type markReadResponse struct {
	LastReadMessageID int64     `json:"lastReadMessageId"`
	UnreadCount       int       `json:"unreadCount"`
	ReadAt            time.Time `json:"readAt"`
	Advanced          bool      `json:"advanced"`
}

type muteRequest struct {
	Muted *bool `json:"muted" validate:"required"`
}

type statusRequest struct {
	Status domain.RoomStatus `json:"status" validate:"required,oneof=active archived blocked"`
}

type participantRequest struct {
	UserID string                 `json:"userId" validate:"required"`
	Role   domain.ParticipantRole `json:"role" validate:"omitempty,oneof=admin member"`
}

func handleCreateDirectRoom(rooms *service.RoomService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req directRoomRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		room, err := rooms.CreateOrGetDirectRoom(r.Context(), CurrentUser(r), req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func handleCreateRoom(rooms *service.RoomService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roomCreateRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		room, err := rooms.CreateRoom(r.Context(), CurrentUser(r), service.CreateRoomInput{
			Kind:           req.Kind,
			ContextRef:     req.ContextRef,
			ParticipantIDs: req.ParticipantIDs,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	}
}

func handleListRooms(rooms *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := rooms.ListForUser(r.Context(), CurrentUser(r), 0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetRoom(rooms *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := rooms.GetRoom(r.Context(), chi.URLParam(r, "roomID"), CurrentUser(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func handleMarkRoomRead(receipts *service.ReceiptService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markReadRequest
		// An empty body marks everything read.
		if r.ContentLength != 0 {
			if err := decodeJSON(r, v, &req); err != nil {
				writeError(w, err)
				return
			}
		}
		res, err := receipts.RecordRead(r.Context(), chi.URLParam(r, "roomID"), CurrentUser(r), req.UptoMessageID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, markReadResponse{
			LastReadMessageID: res.Seq,
			UnreadCount:       res.UnreadCount,
			ReadAt:            res.ReadAt,
			Advanced:          res.Advanced,
		})
	}
}

func handleSetMuted(rooms *service.RoomService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req muteRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := rooms.SetMuted(r.Context(), chi.URLParam(r, "roomID"), CurrentUser(r), *req.Muted); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"muted": *req.Muted})
	}
}

func handleSetStatus(rooms *service.RoomService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := rooms.SetStatus(r.Context(), CurrentUser(r), chi.URLParam(r, "roomID"), req.Status); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
	}
}

func handleAddParticipant(rooms *service.RoomService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req participantRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Role == "" {
			req.Role = domain.RoleMember
		}
		p, err := rooms.AddParticipant(r.Context(), CurrentUser(r), chi.URLParam(r, "roomID"), req.UserID, req.Role)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleRemoveParticipant(rooms *service.RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := rooms.RemoveParticipant(r.Context(), CurrentUser(r), chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
