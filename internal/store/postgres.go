package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/pairchat/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS participants (
	id TEXT PRIMARY KEY,
	handle TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	room_id TEXT PRIMARY KEY,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	last_seq BIGINT NOT NULL DEFAULT 0,
	last_message_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES conversations(room_id),
	seq BIGINT NOT NULL,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	content TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'text',
	created_at TIMESTAMPTZ NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT false,
	is_read BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (room_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a, last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b, last_message_at DESC);
`

// RunMigrations creates the schema if it does not exist yet.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append upserts the conversation row, which takes its row lock for the rest
// of the transaction, then inserts the message. Appends to other rooms lock
// other rows and do not wait on each other.
func (s *PostgresStore) Append(ctx context.Context, roomID, senderID, receiverID, content string, contentType models.ContentType) (*models.Message, error) {
	a, b, err := participants(roomID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("append", err)
	}
	defer tx.Rollback(ctx)

	ts := now()
	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (room_id, participant_a, participant_b, last_seq, last_message_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (room_id) DO UPDATE
		SET last_seq = conversations.last_seq + 1, last_message_at = EXCLUDED.last_message_at
		RETURNING last_seq
	`, roomID, a, b, ts).Scan(&seq)
	if err != nil {
		return nil, unavailable("append", err)
	}

	msg := newMessage(roomID, seq, senderID, receiverID, content, contentType, ts)
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, room_id, seq, sender_id, receiver_id, content, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.RoomID, msg.Seq, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.ContentType), msg.CreatedAt)
	if err != nil {
		return nil, unavailable("append", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("append", err)
	}
	return &msg, nil
}

// ListSince returns messages after afterSeq in ascending order.
func (s *PostgresStore) ListSince(ctx context.Context, roomID string, afterSeq int64, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, seq, sender_id, receiver_id, content, content_type, created_at, delivered, is_read
		FROM messages
		WHERE room_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, roomID, afterSeq, clampLimit(limit))
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var contentType string
		if err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.Seq,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Content,
			&contentType,
			&msg.CreatedAt,
			&msg.Delivered,
			&msg.Read,
		); err != nil {
			return nil, unavailable("list", err)
		}
		msg.ContentType = models.ContentType(contentType)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return messages, nil
}

// MarkDelivered sets the delivered flag.
func (s *PostgresStore) MarkDelivered(ctx context.Context, roomID, messageID string) error {
	return s.mark(ctx, `UPDATE messages SET delivered = true WHERE id = $1 AND room_id = $2`, roomID, messageID)
}

// MarkRead sets the read flag. A read message is also delivered.
func (s *PostgresStore) MarkRead(ctx context.Context, roomID, messageID, reader string) error {
	var receiver string
	err := s.pool.QueryRow(ctx,
		`SELECT receiver_id FROM messages WHERE id = $1 AND room_id = $2`, messageID, roomID,
	).Scan(&receiver)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return unavailable("mark", err)
	}
	if receiver != reader {
		return ErrNotReceiver
	}
	return s.mark(ctx, `UPDATE messages SET delivered = true, is_read = true WHERE id = $1 AND room_id = $2`, roomID, messageID)
}

func (s *PostgresStore) mark(ctx context.Context, query, roomID, messageID string) error {
	tag, err := s.pool.Exec(ctx, query, messageID, roomID)
	if err != nil {
		return unavailable("mark", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Conversations lists identity's rooms, most recent first.
func (s *PostgresStore) Conversations(ctx context.Context, identity string, limit int) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, participant_a, participant_b, last_seq, last_message_at
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_message_at DESC, room_id ASC
		LIMIT $2
	`, identity, clampLimit(limit))
	if err != nil {
		return nil, unavailable("conversations", err)
	}
	defer rows.Close()

	out := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.RoomID, &c.Participants[0], &c.Participants[1], &c.LastSeq, &c.LastMessageAt); err != nil {
			return nil, unavailable("conversations", err)
		}
		c.LastMessageAt = c.LastMessageAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("conversations", err)
	}
	return out, nil
}

// ParticipantByHandle looks up an account synced from the account service.
// Returns nil, nil when the handle is unknown.
func (s *PostgresStore) ParticipantByHandle(ctx context.Context, handle string) (*models.Participant, error) {
	p := &models.Participant{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, handle, created_at FROM participants WHERE handle = $1
	`, handle).Scan(&p.ID, &p.Handle, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("participant", err)
	}
	return p, nil
}
