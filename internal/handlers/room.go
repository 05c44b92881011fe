package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
)

// DeriveRoomResponse represents the room derivation response.
type DeriveRoomResponse struct {
	Room         string    `json:"room"`
	Participants [2]string `json:"participants"`
}

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	Room     string           `json:"room"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"content_type,omitempty"`
}

// DeriveRoom returns the room id shared by two handles.
func (h *Handler) DeriveRoom(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, err := h.resolver.Resolve(r.Context(), q.Get("a"))
	if err != nil {
		h.Fail(w, err)
		return
	}
	b, err := h.resolver.Resolve(r.Context(), q.Get("b"))
	if err != nil {
		h.Fail(w, err)
		return
	}

	room, err := roomkey.Derive(a, b)
	if err != nil {
		h.Fail(w, err)
		return
	}
	first, second, _ := roomkey.Parse(room)
	h.JSON(w, http.StatusOK, DeriveRoomResponse{Room: room, Participants: [2]string{first, second}})
}

// GetRoomMessages returns a page of room history after the "after" seq.
func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	from, err := h.caller(r)
	if err != nil {
		h.Fail(w, err)
		return
	}
	room, ok := h.roomParam(w, r)
	if !ok {
		return
	}

	// Parse query params
	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		if a, err := strconv.ParseInt(s, 10, 64); err == nil && a > 0 {
			after = a
		}
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}

	messages, hasMore, err := h.router.History(r.Context(), from, room, after, limit)
	if err != nil {
		h.Fail(w, err)
		return
	}

	h.JSON(w, http.StatusOK, RoomMessagesResponse{
		Room:     room,
		Messages: messages,
		HasMore:  hasMore,
	})
}

// PostMessage persists a message and fans it out to the room's live
// sessions, the same path a WebSocket send takes.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	from, err := h.caller(r)
	if err != nil {
		h.Fail(w, err)
		return
	}
	room, ok := h.roomParam(w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.router.SendMessage(r.Context(), from, room, req.Content, req.ContentType)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// roomParam reads the {id} path segment. Room ids contain ':' and may
// arrive percent-encoded.
func (h *Handler) roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	room, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || room == "" {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return "", false
	}
	return room, true
}
