package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/service"
)

// Services groups what the HTTP surface calls into.
type Services struct {
	Tokens   TokenResolver
	Rooms    *service.RoomService
	Messages *service.MessageService
	Receipts *service.ReceiptService
	// Gateway serves /ws.
	Gateway http.Handler
	Metrics *metrics.Metrics
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(corsOrigins []string, svc Services) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	}

	v := newValidator()

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(svc.Tokens))

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", handleCreateRoom(svc.Rooms, v))
			r.Get("/", handleListRooms(svc.Rooms))
			r.Post("/direct", handleCreateDirectRoom(svc.Rooms, v))

			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", handleGetRoom(svc.Rooms))
				r.Post("/read", handleMarkRoomRead(svc.Receipts, v))
				r.Put("/mute", handleSetMuted(svc.Rooms, v))
				r.Put("/status", handleSetStatus(svc.Rooms, v))
				r.Post("/participants", handleAddParticipant(svc.Rooms, v))
				r.Delete("/participants/{userID}", handleRemoveParticipant(svc.Rooms))

				r.Get("/messages", handleListMessages(svc.Messages))
				r.Post("/messages", handleCreateMessage(svc.Messages, v))
				r.Patch("/messages/{messageID}", handleEditMessage(svc.Messages, v))
				r.Delete("/messages/{messageID}", handleDeleteMessage(svc.Messages))
			})
		})
	})

	// WebSocket endpoint
	if svc.Gateway != nil {
		r.Get("/ws", svc.Gateway.ServeHTTP)
	}

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorResponse struct {
	Error string  `json:"error"`
	Code  string  `json:"code"`
	Field *string `json:"field,omitempty"`
}

// writeError maps a domain error kind to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: domain.Reason(err), Code: string(domain.KindOf(err))}
	var derr *domain.Error
	if errors.As(err, &derr) {
		resp.Field = derr.Field
	}

	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindUnauthenticated:
		status = http.StatusUnauthorized
	case domain.KindPermissionDenied:
		status = http.StatusForbidden
	case domain.KindInvalidArgument:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindAlreadyExists:
		status = http.StatusConflict
	case domain.KindUnavailable:
		status = http.StatusServiceUnavailable
	default:
		resp.Code = "internal"
	}
	writeJSON(w, status, resp)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads and validates a request body into dst.
func decodeJSON(r *http.Request, v *validator.Validate, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.NewValidationError("body", "invalid JSON body")
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.NewValidationError(verrs[0].Field(), "failed on "+verrs[0].Tag())
		}
		return domain.NewValidationError("body", err.Error())
	}
	return nil
}
