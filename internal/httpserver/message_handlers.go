package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

type messageCreateRequest struct {
	Content string             `json:"content" validate:"required"`
	Type    domain.MessageType `json:"type" validate:"omitempty,oneof=text image file"`
}

type messageEditRequest struct {
	Content string `json:"content" validate:"required"`
}

func messageIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("messageId", "invalid message id")
	}
	return id, nil
}

func handleListMessages(messages *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				writeError(w, domain.NewValidationError("limit", "invalid limit"))
				return
			}
			limit = n
		}

		page, err := messages.History(r.Context(), CurrentUser(r), chi.URLParam(r, "roomID"), r.URL.Query().Get("before"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// handleCreateMessage sends through the same sequencer as message:send; live
// subscribers receive it over their sockets.
func handleCreateMessage(messages *service.MessageService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageCreateRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		msg, err := messages.Append(r.Context(), service.SendInput{
			RoomID:   chi.URLParam(r, "roomID"),
			SenderID: CurrentUser(r),
			Content:  req.Content,
			Type:     req.Type,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleEditMessage(messages *service.MessageService, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageIDParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var req messageEditRequest
		if err := decodeJSON(r, v, &req); err != nil {
			writeError(w, err)
			return
		}
		msg, err := messages.Edit(r.Context(), CurrentUser(r), chi.URLParam(r, "roomID"), id, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func handleDeleteMessage(messages *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := messageIDParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := messages.Delete(r.Context(), CurrentUser(r), chi.URLParam(r, "roomID"), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
