package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/pairchat/internal/identity"
	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/router"
	"github.com/eldtechnologies/pairchat/internal/session"
	"github.com/eldtechnologies/pairchat/internal/store"
)

const aliceBob = "5:alice3:bob"

func newTestRouter(st store.MessageStore) (http.Handler, *router.Router) {
	rt := router.New(st, session.NewRegistry(), zerolog.Nop(), router.Config{StoreTimeout: time.Second})
	h := NewHandler(rt, identity.Passthrough{}, st, zerolog.Nop())

	r := chi.NewRouter()
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/rooms/derive", h.DeriveRoom)
	r.Get("/rooms/{id}/messages", h.GetRoomMessages)
	r.Post("/rooms/{id}/messages", h.PostMessage)
	r.Get("/participants/{handle}/conversations", h.Conversations)
	return r, rt
}

func do(t *testing.T, h http.Handler, method, target, participant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if participant != "" {
		req.Header.Set("X-Participant", participant)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestDeriveRoom(t *testing.T) {
	h, _ := newTestRouter(store.NewMemoryStore())

	rec := do(t, h, http.MethodGet, "/rooms/derive?a=bob&b=alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DeriveRoomResponse](t, rec)
	assert.Equal(t, aliceBob, resp.Room)
	assert.Equal(t, [2]string{"alice", "bob"}, resp.Participants)

	rec = do(t, h, http.MethodGet, "/rooms/derive?a=john..doe&b=bob", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3:bob9:john..doe", decode[DeriveRoomResponse](t, rec).Room)

	rec = do(t, h, http.MethodGet, "/rooms/derive?a=alice&b=alice", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/rooms/derive?a=alice", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostAndListMessages(t *testing.T) {
	h, rt := newTestRouter(store.NewMemoryStore())

	// A live session for bob sees REST sends too.
	bob := &sink{id: "bob-1"}
	require.NoError(t, rt.Bind(bob, "bob"))
	require.NoError(t, rt.Join(bob.ID(), aliceBob))

	rec := do(t, h, http.MethodPost, "/rooms/"+aliceBob+"/messages", "alice", `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[models.Message](t, rec)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "bob", msg.ReceiverID)
	assert.Equal(t, models.ContentText, msg.ContentType)
	require.Len(t, bob.events, 1)
	assert.Equal(t, msg.ID, bob.events[0].Message.ID)

	rec = do(t, h, http.MethodPost, "/rooms/"+aliceBob+"/messages", "bob",
		`{"content":"https://files.example/1","content_type":"file"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Percent-encoded room ids resolve to the same room.
	rec = do(t, h, http.MethodGet, "/rooms/5%3Aalice3%3Abob/messages?limit=1", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[RoomMessagesResponse](t, rec)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Content)

	rec = do(t, h, http.MethodGet, "/rooms/"+aliceBob+"/messages?after=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[RoomMessagesResponse](t, rec)
	assert.False(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, models.ContentFile, page.Messages[0].ContentType)
}

func TestMessageErrors(t *testing.T) {
	h, _ := newTestRouter(store.NewMemoryStore())

	tests := []struct {
		name        string
		method      string
		target      string
		participant string
		body        string
		status      int
	}{
		{"no participant", http.MethodGet, "/rooms/" + aliceBob + "/messages", "", "", http.StatusNotFound},
		{"outsider reads", http.MethodGet, "/rooms/" + aliceBob + "/messages", "carol", "", http.StatusForbidden},
		{"outsider sends", http.MethodPost, "/rooms/" + aliceBob + "/messages", "carol", `{"content":"hi"}`, http.StatusForbidden},
		{"malformed room", http.MethodGet, "/rooms/alice_bob/messages", "alice", "", http.StatusBadRequest},
		{"empty content", http.MethodPost, "/rooms/" + aliceBob + "/messages", "alice", `{"content":""}`, http.StatusBadRequest},
		{"bad content type", http.MethodPost, "/rooms/" + aliceBob + "/messages", "alice", `{"content":"x","content_type":"video"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/rooms/" + aliceBob + "/messages", "alice", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.participant, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

type unavailableStore struct {
	*store.MemoryStore
}

func (unavailableStore) Append(context.Context, string, string, string, string, models.ContentType) (*models.Message, error) {
	return nil, fmt.Errorf("append: %w: connection refused", store.ErrUnavailable)
}

func (unavailableStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", store.ErrUnavailable)
}

func TestStoreUnavailable(t *testing.T) {
	h, _ := newTestRouter(unavailableStore{store.NewMemoryStore()})

	rec := do(t, h, http.MethodPost, "/rooms/"+aliceBob+"/messages", "alice", `{"content":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "fail", health.Checks["store"].Status)
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(store.NewMemoryStore())

	rec := do(t, h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "pass", health.Checks["store"].Status)

	rec = do(t, h, http.MethodGet, "/api", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pairchat", decode[RootResponse](t, rec).Name)
}

func TestConversations(t *testing.T) {
	h, _ := newTestRouter(store.NewMemoryStore())

	rec := do(t, h, http.MethodPost, "/rooms/"+aliceBob+"/messages", "alice", `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	time.Sleep(2 * time.Millisecond)
	rec = do(t, h, http.MethodPost, "/rooms/5:alice5:carol/messages", "carol", `{"content":"yo"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodGet, "/participants/alice/conversations", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ConversationsResponse](t, rec)
	assert.Equal(t, "alice", resp.Participant)
	require.Len(t, resp.Conversations, 2)
	assert.Equal(t, "carol", resp.Conversations[0].Peer)
	assert.Equal(t, "bob", resp.Conversations[1].Peer)
	assert.Equal(t, int64(1), resp.Conversations[1].LastSeq)

	rec = do(t, h, http.MethodGet, "/participants/alice/conversations", "bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// sink records events delivered to a fake connection.
type sink struct {
	id     string
	events []models.Event
}

func (s *sink) ID() string { return s.id }

func (s *sink) Deliver(ev models.Event) bool {
	s.events = append(s.events, ev)
	return true
}
