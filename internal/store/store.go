package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
)

var (
	// ErrUnavailable means the durable backing could not be reached or did
	// not answer in time. Callers may retry.
	ErrUnavailable = errors.New("message store unavailable")

	// ErrMessageNotFound is returned by flag updates for an unknown message
	// or a message that belongs to another room.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotReceiver is returned by MarkRead when the reader is not the
	// message's receiver.
	ErrNotReceiver = errors.New("only the receiver can mark a message read")
)

// MessageStore is a durable, ordered, append-only message log keyed by room.
// MemoryStore, SQLiteStore, PostgresStore and RedisStore implement it.
type MessageStore interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// Append assigns the next sequence number for roomID and persists the
	// message before returning it. Sequence numbers start at 1 and have no
	// gaps. Storage for a room is created on its first append.
	Append(ctx context.Context, roomID, senderID, receiverID, content string, contentType models.ContentType) (*models.Message, error)

	// ListSince returns up to limit messages with Seq > afterSeq in
	// ascending Seq order.
	ListSince(ctx context.Context, roomID string, afterSeq int64, limit int) ([]models.Message, error)

	// Flag updates are idempotent. MarkRead only accepts the message's
	// receiver as reader.
	MarkDelivered(ctx context.Context, roomID, messageID string) error
	MarkRead(ctx context.Context, roomID, messageID, reader string) error

	// Conversations lists the rooms identity takes part in, most recently
	// active first.
	Conversations(ctx context.Context, identity string, limit int) ([]models.Conversation, error)
}

// Replay walks a room's log from afterSeq onward, fetching pageSize messages
// per round trip. Iteration stops at the first error, which is yielded once.
// Restart from the last Seq seen to resume.
func Replay(ctx context.Context, s MessageStore, roomID string, afterSeq int64, pageSize int) iter.Seq2[models.Message, error] {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(models.Message, error) bool) {
		cursor := afterSeq
		for {
			page, err := s.ListSince(ctx, roomID, cursor, pageSize)
			if err != nil {
				yield(models.Message{}, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// newMessage builds the record shared by every backend's Append. Ids grow
// with Seq as long as appends to one room are not issued concurrently, which
// the router guarantees.
func newMessage(roomID string, seq int64, senderID, receiverID, content string, contentType models.ContentType, ts time.Time) models.Message {
	return models.Message{
		ID:          ulid.Make().String(),
		RoomID:      roomID,
		Seq:         seq,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   ts,
	}
}

// now returns the server timestamp at the precision every backend keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// participants validates roomID and returns its two identities.
func participants(roomID string) (string, string, error) {
	a, b, err := roomkey.Parse(roomID)
	if err != nil {
		return "", "", fmt.Errorf("room %q: %w", roomID, err)
	}
	return a, b, nil
}

// unavailable marks a backend failure as ErrUnavailable while keeping the
// driver error in the chain.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
