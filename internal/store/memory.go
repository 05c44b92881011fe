package store

import (
	"context"
	"sort"
	"sync"

	"github.com/eldtechnologies/pairchat/internal/models"
)

// MemoryStore keeps messages in process memory. It is the development
// backend and the reference the durable backends are tested against; data
// does not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	mu           sync.RWMutex
	participants [2]string
	messages     []models.Message
	index        map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ping succeeds unless ctx is done.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) room(roomID string) *memoryRoom {
	s.mu.RLock()
	r := s.rooms[roomID]
	s.mu.RUnlock()
	return r
}

func (s *MemoryStore) roomOrCreate(roomID, a, b string) *memoryRoom {
	if r := s.room(roomID); r != nil {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &memoryRoom{participants: [2]string{a, b}, index: make(map[string]int)}
		s.rooms[roomID] = r
	}
	return r
}

// Append adds a message to the room log under the room's own lock.
func (s *MemoryStore) Append(ctx context.Context, roomID, senderID, receiverID, content string, contentType models.ContentType) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("append", err)
	}
	a, b, err := participants(roomID)
	if err != nil {
		return nil, err
	}

	r := s.roomOrCreate(roomID, a, b)
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := newMessage(roomID, int64(len(r.messages))+1, senderID, receiverID, content, contentType, now())
	r.index[msg.ID] = len(r.messages)
	r.messages = append(r.messages, msg)
	return &msg, nil
}

// ListSince returns a copy of the requested page.
func (s *MemoryStore) ListSince(ctx context.Context, roomID string, afterSeq int64, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	limit = clampLimit(limit)

	r := s.room(roomID)
	if r == nil {
		return []models.Message{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	// Seq n lives at index n-1.
	start := int(min(afterSeq, int64(len(r.messages))))
	end := min(start+limit, len(r.messages))

	out := make([]models.Message, end-start)
	copy(out, r.messages[start:end])
	return out, nil
}

// MarkDelivered sets the delivered flag.
func (s *MemoryStore) MarkDelivered(ctx context.Context, roomID, messageID string) error {
	return s.mark(ctx, roomID, messageID, func(m *models.Message) error {
		m.Delivered = true
		return nil
	})
}

// MarkRead sets the read flag. A read message is also delivered.
func (s *MemoryStore) MarkRead(ctx context.Context, roomID, messageID, reader string) error {
	return s.mark(ctx, roomID, messageID, func(m *models.Message) error {
		if m.ReceiverID != reader {
			return ErrNotReceiver
		}
		m.Delivered = true
		m.Read = true
		return nil
	})
}

func (s *MemoryStore) mark(ctx context.Context, roomID, messageID string, set func(*models.Message) error) error {
	if err := ctx.Err(); err != nil {
		return unavailable("mark", err)
	}
	r := s.room(roomID)
	if r == nil {
		return ErrMessageNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	return set(&r.messages[i])
}

// Conversations scans all rooms; fine for the sizes this backend serves.
func (s *MemoryStore) Conversations(ctx context.Context, identity string, limit int) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("conversations", err)
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Conversation{}
	for roomID, r := range s.rooms {
		if r.participants[0] != identity && r.participants[1] != identity {
			continue
		}
		r.mu.RLock()
		if n := len(r.messages); n > 0 {
			last := r.messages[n-1]
			out = append(out, models.Conversation{
				RoomID:        roomID,
				Participants:  r.participants,
				LastSeq:       last.Seq,
				LastMessageAt: last.CreatedAt,
			})
		}
		r.mu.RUnlock()
	}

	sortConversations(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortConversations(c []models.Conversation) {
	sort.Slice(c, func(i, j int) bool {
		if !c[i].LastMessageAt.Equal(c[j].LastMessageAt) {
			return c[i].LastMessageAt.After(c[j].LastMessageAt)
		}
		return c[i].RoomID < c[j].RoomID
	})
}
