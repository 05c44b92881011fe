package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairchat/internal/api/middleware"
	"github.com/eldtechnologies/pairchat/internal/identity"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
	"github.com/eldtechnologies/pairchat/internal/router"
	"github.com/eldtechnologies/pairchat/internal/session"
	"github.com/eldtechnologies/pairchat/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	router   *router.Router
	resolver identity.Resolver
	store    store.MessageStore
	log      zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(rt *router.Router, resolver identity.Resolver, st store.MessageStore, logger zerolog.Logger) *Handler {
	return &Handler{
		router:   rt,
		resolver: resolver,
		store:    st,
		log:      logger.With().Str("component", "handlers").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps a domain error onto an HTTP status.
func (h *Handler) Fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, roomkey.ErrInvalidRoomKey), errors.Is(err, router.ErrInvalidMessage):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrForbidden):
		h.Error(w, http.StatusForbidden, "not a participant of this room")
	case errors.Is(err, identity.ErrUnknownIdentity), errors.Is(err, store.ErrMessageNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrAlreadyBound):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		h.Error(w, http.StatusServiceUnavailable, "message store unavailable")
	default:
		h.log.Error().Err(err).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// caller resolves the participant making the request. The header is set by
// the authenticating proxy in front of the service.
func (h *Handler) caller(r *http.Request) (string, error) {
	handle := r.Header.Get(middleware.ParticipantHeader)
	if handle == "" {
		return "", identity.ErrUnknownIdentity
	}
	return h.resolver.Resolve(r.Context(), handle)
}
