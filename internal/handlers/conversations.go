package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/pairchat/internal/models"
)

// ConversationResponse is one entry of a participant's conversation list.
type ConversationResponse struct {
	Room          string `json:"room"`
	Peer          string `json:"peer"`
	LastSeq       int64  `json:"last_seq"`
	LastMessageAt int64  `json:"last_message_at"` // unix ms
}

// ConversationsResponse represents the conversation list response.
type ConversationsResponse struct {
	Participant   string                 `json:"participant"`
	Conversations []ConversationResponse `json:"conversations"`
}

// Conversations lists a participant's rooms, most recently active first.
// Callers may only list their own.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	from, err := h.caller(r)
	if err != nil {
		h.Fail(w, err)
		return
	}
	who, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		h.Fail(w, err)
		return
	}
	if who != from {
		h.Error(w, http.StatusForbidden, "cannot list another participant's conversations")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}

	convs, err := h.router.Conversations(r.Context(), who, limit)
	if err != nil {
		h.Fail(w, err)
		return
	}

	h.JSON(w, http.StatusOK, ConversationsResponse{
		Participant:   who,
		Conversations: conversationResponses(who, convs),
	})
}

func conversationResponses(who string, convs []models.Conversation) []ConversationResponse {
	out := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		out[i] = ConversationResponse{
			Room:          c.RoomID,
			Peer:          c.Peer(who),
			LastSeq:       c.LastSeq,
			LastMessageAt: c.LastMessageAt.UnixMilli(),
		}
	}
	return out
}
