package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/pairchat/internal/models"
)

// RedisStore keeps each room as a sorted set of message ids scored by
// sequence number, with one hash per message. Messages do not expire.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for rate limiting.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomSeqKey returns the key for a room's sequence counter.
func roomSeqKey(roomID string) string {
	return fmt.Sprintf("room:%s:seq", roomID)
}

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

func messageKey(id string) string {
	return fmt.Sprintf("message:%s", id)
}

func conversationKey(roomID string) string {
	return fmt.Sprintf("conversation:%s", roomID)
}

// participantRoomsKey returns the key for a participant's rooms scored by
// last activity.
func participantRoomsKey(identity string) string {
	return fmt.Sprintf("participant:%s:rooms", identity)
}

// appendScript runs the whole append atomically: INCR hands out the room's
// next sequence number and nothing else can observe the room in between.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[3],
	'id', ARGV[1], 'room_id', ARGV[2], 'seq', seq,
	'from', ARGV[3], 'to', ARGV[4],
	'content', ARGV[5], 'content_type', ARGV[6],
	'created_at', ARGV[7], 'delivered', '0', 'read', '0')
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('HSET', KEYS[4],
	'participant_a', ARGV[8], 'participant_b', ARGV[9],
	'last_seq', seq, 'last_message_at', ARGV[7])
redis.call('ZADD', KEYS[5], ARGV[7], ARGV[2])
redis.call('ZADD', KEYS[6], ARGV[7], ARGV[2])
return seq
`)

// markScript sets flags only on a message of the given room. A non-empty
// ARGV[2] must match the message's receiver.
var markScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'room_id') ~= ARGV[1] then
	return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'to') ~= ARGV[2] then
	return -1
end
for i = 3, #ARGV do
	redis.call('HSET', KEYS[1], ARGV[i], '1')
end
return 1
`)

// Append stores a message and updates the conversation index.
func (s *RedisStore) Append(ctx context.Context, roomID, senderID, receiverID, content string, contentType models.ContentType) (*models.Message, error) {
	a, b, err := participants(roomID)
	if err != nil {
		return nil, err
	}

	msg := newMessage(roomID, 0, senderID, receiverID, content, contentType, now())
	ts := strconv.FormatInt(msg.CreatedAt.UnixMicro(), 10)

	seq, err := appendScript.Run(ctx, s.client,
		[]string{
			roomSeqKey(roomID),
			roomMessagesKey(roomID),
			messageKey(msg.ID),
			conversationKey(roomID),
			participantRoomsKey(a),
			participantRoomsKey(b),
		},
		msg.ID, roomID, senderID, receiverID, content, string(contentType), ts, a, b,
	).Int64()
	if err != nil {
		return nil, unavailable("append", err)
	}

	msg.Seq = seq
	return &msg, nil
}

// ListSince returns messages after afterSeq in ascending order.
func (s *RedisStore) ListSince(ctx context.Context, roomID string, afterSeq int64, limit int) ([]models.Message, error) {
	ids, err := s.client.ZRangeByScore(ctx, roomMessagesKey(roomID), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", afterSeq), // exclusive
		Max:   "+inf",
		Count: int64(clampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, messageKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("list", err)
	}

	messages := make([]models.Message, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		msg, err := decodeMessage(fields)
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func decodeMessage(f map[string]string) (models.Message, error) {
	seq, err := strconv.ParseInt(f["seq"], 10, 64)
	if err != nil {
		return models.Message{}, err
	}
	micros, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:          f["id"],
		RoomID:      f["room_id"],
		Seq:         seq,
		SenderID:    f["from"],
		ReceiverID:  f["to"],
		Content:     f["content"],
		ContentType: models.ContentType(f["content_type"]),
		CreatedAt:   time.UnixMicro(micros).UTC(),
		Delivered:   f["delivered"] == "1",
		Read:        f["read"] == "1",
	}, nil
}

// MarkDelivered sets the delivered flag.
func (s *RedisStore) MarkDelivered(ctx context.Context, roomID, messageID string) error {
	return s.mark(ctx, roomID, messageID, "", "delivered")
}

// MarkRead sets the read flag. A read message is also delivered.
func (s *RedisStore) MarkRead(ctx context.Context, roomID, messageID, reader string) error {
	return s.mark(ctx, roomID, messageID, reader, "delivered", "read")
}

func (s *RedisStore) mark(ctx context.Context, roomID, messageID, receiver string, fields ...string) error {
	args := make([]interface{}, 0, len(fields)+2)
	args = append(args, roomID, receiver)
	for _, f := range fields {
		args = append(args, f)
	}

	ok, err := markScript.Run(ctx, s.client, []string{messageKey(messageID)}, args...).Int()
	if err != nil {
		return unavailable("mark", err)
	}
	switch ok {
	case 0:
		return ErrMessageNotFound
	case -1:
		return ErrNotReceiver
	}
	return nil
}

// Conversations lists identity's rooms, most recent first.
func (s *RedisStore) Conversations(ctx context.Context, identity string, limit int) ([]models.Conversation, error) {
	rooms, err := s.client.ZRevRange(ctx, participantRoomsKey(identity), 0, int64(clampLimit(limit))-1).Result()
	if err != nil {
		return nil, unavailable("conversations", err)
	}
	if len(rooms) == 0 {
		return []models.Conversation{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(rooms))
	for i, roomID := range rooms {
		cmds[i] = pipe.HGetAll(ctx, conversationKey(roomID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("conversations", err)
	}

	out := make([]models.Conversation, 0, len(rooms))
	for i, cmd := range cmds {
		f := cmd.Val()
		lastSeq, _ := strconv.ParseInt(f["last_seq"], 10, 64)
		micros, _ := strconv.ParseInt(f["last_message_at"], 10, 64)
		out = append(out, models.Conversation{
			RoomID:        rooms[i],
			Participants:  [2]string{f["participant_a"], f["participant_b"]},
			LastSeq:       lastSeq,
			LastMessageAt: time.UnixMicro(micros).UTC(),
		})
	}
	// ZREVRANGE breaks score ties by member descending; keep the order the
	// SQL backends use.
	sortConversations(out)
	return out, nil
}
