package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
	"github.com/eldtechnologies/pairchat/internal/session"
	"github.com/eldtechnologies/pairchat/internal/store"
)

// recorder is a connection that keeps every event it is handed.
type recorder struct {
	id string

	mu     sync.Mutex
	events []models.Event
	full   bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev models.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) messages() []models.Message {
	var out []models.Message
	for _, ev := range r.ofType(models.EventMessage) {
		out = append(out, *ev.Message)
	}
	return out
}

type fixture struct {
	router *Router
	store  store.MessageStore
	room   string
	alice  *recorder
	bob    *recorder
}

func newFixture(t *testing.T, st store.MessageStore) *fixture {
	t.Helper()
	r := New(st, session.NewRegistry(), zerolog.Nop(), Config{StoreTimeout: 200 * time.Millisecond})
	room, err := roomkey.Derive("alice", "bob")
	require.NoError(t, err)

	f := &fixture{router: r, store: st, room: room, alice: &recorder{id: "alice-1"}, bob: &recorder{id: "bob-1"}}
	require.NoError(t, r.Bind(f.alice, "alice"))
	require.NoError(t, r.Bind(f.bob, "bob"))
	require.NoError(t, r.Join(f.alice.ID(), room))
	require.NoError(t, r.Join(f.bob.ID(), room))
	return f
}

func TestAliceAndBob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())

	hi, err := f.router.SendMessage(ctx, "alice", f.room, "hi", models.ContentText)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hi.Seq)
	assert.Equal(t, "bob", hi.ReceiverID)

	got := f.bob.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, int64(1), got[0].Seq)

	hello, err := f.router.SendMessage(ctx, "bob", f.room, "hello", models.ContentText)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hello.Seq)

	// The sender's own sessions see their message too.
	assert.Len(t, f.alice.messages(), 2)

	history, hasMore, err := f.router.History(ctx, "alice", f.room, 0, 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, int64(1), history[0].Seq)
	assert.Equal(t, "hello", history[1].Content)
	assert.Equal(t, int64(2), history[1].Seq)
}

func TestOutsiderIsForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())
	carol := &recorder{id: "carol-1"}
	require.NoError(t, f.router.Bind(carol, "carol"))

	before := len(f.router.Sessions().MembersOf(f.room))
	assert.ErrorIs(t, f.router.Join(carol.ID(), f.room), session.ErrForbidden)
	assert.Len(t, f.router.Sessions().MembersOf(f.room), before)

	_, err := f.router.SendMessage(ctx, "carol", f.room, "let me in", models.ContentText)
	assert.ErrorIs(t, err, session.ErrForbidden)
	assert.ErrorIs(t, f.router.Typing(carol.ID(), "carol", f.room, true), session.ErrForbidden)
	_, _, err = f.router.History(ctx, "carol", f.room, 0, 10)
	assert.ErrorIs(t, err, session.ErrForbidden)

	history, _, err := f.router.History(ctx, "alice", f.room, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.bob.ofType(models.EventTyping))
}

func TestInvalidRoom(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	_, err := f.router.SendMessage(context.Background(), "alice", "alice_bob", "hi", models.ContentText)
	assert.ErrorIs(t, err, roomkey.ErrInvalidRoomKey)
}

func TestInvalidContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())

	for _, tc := range []struct {
		content string
		ct      models.ContentType
	}{
		{"", models.ContentText},
		{"hi", "video"},
		{string(make([]byte, MaxContentBytes+1)), models.ContentText},
		{"\xff", models.ContentText},
	} {
		_, err := f.router.SendMessage(ctx, "alice", f.room, tc.content, tc.ct)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}
	assert.Empty(t, f.bob.messages())
}

// unavailableStore fails appends the way an unreachable backend would.
type unavailableStore struct {
	*store.MemoryStore
}

func (unavailableStore) Append(context.Context, string, string, string, string, models.ContentType) (*models.Message, error) {
	return nil, fmt.Errorf("append: %w: connection refused", store.ErrUnavailable)
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, unavailableStore{store.NewMemoryStore()})

	_, err := f.router.SendMessage(ctx, "alice", f.room, "lost", models.ContentText)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, f.bob.messages())
	assert.Empty(t, f.alice.messages())

	history, _, err := f.router.History(ctx, "bob", f.room, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

// stalledStore never answers an append before the caller gives up.
type stalledStore struct {
	*store.MemoryStore
}

func (stalledStore) Append(ctx context.Context, _, _, _, _ string, _ models.ContentType) (*models.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutFailsFast(t *testing.T) {
	f := newFixture(t, stalledStore{store.NewMemoryStore()})

	start := time.Now()
	_, err := f.router.SendMessage(context.Background(), "alice", f.room, "hi", models.ContentText)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, f.bob.messages())
}

func TestNotJoinedCatchesUpThroughHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())
	require.NoError(t, f.router.Leave(f.bob.ID(), f.room))

	_, err := f.router.SendMessage(ctx, "alice", f.room, "while you were out", models.ContentText)
	require.NoError(t, err)
	assert.Empty(t, f.bob.messages())

	require.NoError(t, f.router.Join(f.bob.ID(), f.room))
	history, _, err := f.router.History(ctx, "bob", f.room, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "while you were out", history[0].Content)
}

func TestSlowRecipientDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())
	f.bob.full = true

	second := &recorder{id: "bob-2"}
	require.NoError(t, f.router.Bind(second, "bob"))
	require.NoError(t, f.router.Join(second.ID(), f.room))

	msg, err := f.router.SendMessage(ctx, "alice", f.room, "hi", models.ContentText)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Len(t, second.messages(), 1)
	assert.Len(t, f.alice.messages(), 1)
}

func TestTypingSkipsSender(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())

	require.NoError(t, f.router.Typing(f.alice.ID(), "alice", f.room, true))

	assert.Empty(t, f.alice.ofType(models.EventTyping))
	typing := f.bob.ofType(models.EventTyping)
	require.Len(t, typing, 1)
	assert.True(t, typing[0].IsTyping)
	assert.Equal(t, "alice", typing[0].From)

	history, _, err := f.router.History(context.Background(), "alice", f.room, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReadReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())

	msg, err := f.router.SendMessage(ctx, "alice", f.room, "hi", models.ContentText)
	require.NoError(t, err)

	require.NoError(t, f.router.Read(ctx, f.bob.ID(), "bob", f.room, msg.ID))
	require.NoError(t, f.router.Read(ctx, f.bob.ID(), "bob", f.room, msg.ID))

	receipts := f.alice.ofType(models.EventRead)
	require.Len(t, receipts, 2)
	assert.Equal(t, msg.ID, receipts[0].MessageID)
	assert.Empty(t, f.bob.ofType(models.EventRead))

	history, _, err := f.router.History(ctx, "alice", f.room, 0, 1)
	require.NoError(t, err)
	assert.True(t, history[0].Read)

	assert.ErrorIs(t, f.router.Read(ctx, f.bob.ID(), "bob", f.room, "missing"), store.ErrMessageNotFound)
}

func TestSenderCannotMarkOwnMessageRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())

	msg, err := f.router.SendMessage(ctx, "alice", f.room, "hi", models.ContentText)
	require.NoError(t, err)

	err = f.router.Read(ctx, f.alice.ID(), "alice", f.room, msg.ID)
	assert.ErrorIs(t, err, session.ErrForbidden)
	assert.ErrorIs(t, err, store.ErrNotReceiver)
	assert.Empty(t, f.bob.ofType(models.EventRead))

	history, _, err := f.router.History(ctx, "bob", f.room, 0, 1)
	require.NoError(t, err)
	assert.False(t, history[0].Read)
}

func TestDeliveredOnlyForReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())

	msg, err := f.router.SendMessage(ctx, "alice", f.room, "hi", models.ContentText)
	require.NoError(t, err)

	f.router.Delivered(ctx, "alice", msg)
	history, _, err := f.router.History(ctx, "alice", f.room, 0, 1)
	require.NoError(t, err)
	assert.False(t, history[0].Delivered)

	f.router.Delivered(ctx, "bob", msg)
	history, _, err = f.router.History(ctx, "alice", f.room, 0, 1)
	require.NoError(t, err)
	assert.True(t, history[0].Delivered)
}

func TestPresence(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())

	// bob joined after alice, so alice saw him come online.
	online := f.alice.ofType(models.EventPresence)
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].From)
	assert.True(t, online[0].Online)

	f.router.Disconnect(f.bob.ID())
	presence := f.alice.ofType(models.EventPresence)
	require.Len(t, presence, 2)
	assert.False(t, presence[1].Online)
	assert.Len(t, f.router.Sessions().MembersOf(f.room), 1)
}

func TestHistoryPagination(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := newFixture(t, st)
	f.router.cfg.HistoryMaxLimit = 3

	for i := 0; i < 5; i++ {
		_, err := f.router.SendMessage(ctx, "alice", f.room, fmt.Sprintf("m%d", i), models.ContentText)
		require.NoError(t, err)
	}

	page, hasMore, err := f.router.History(ctx, "bob", f.room, 0, 100)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)

	rest, hasMore, err := f.router.History(ctx, "bob", f.room, page[2].Seq, 100)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[0].Seq)
}

func TestConcurrentSendersShareOneOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())
	const perSender = 30

	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.router.SendMessage(ctx, sender, f.room, fmt.Sprintf("%s-%d", sender, i), models.ContentText)
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	history, _, err := f.router.History(ctx, "alice", f.room, 0, 2*perSender)
	require.NoError(t, err)
	require.Len(t, history, 2*perSender)

	for _, rec := range []*recorder{f.alice, f.bob} {
		live := rec.messages()
		require.Len(t, live, 2*perSender)
		for i := range live {
			assert.Equal(t, int64(i+1), live[i].Seq)
			assert.Equal(t, history[i].ID, live[i].ID)
		}
	}
}

func TestConversations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore())

	_, err := f.router.SendMessage(ctx, "alice", f.room, "hi", models.ContentText)
	require.NoError(t, err)

	convs, err := f.router.Conversations(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, f.room, convs[0].RoomID)
	assert.Equal(t, "alice", convs[0].Peer("bob"))
}
