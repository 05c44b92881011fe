package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/pairchat/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/pairchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/pairchat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Immediate transactions take the write lock up front so concurrent
	// appends queue on busy_timeout instead of failing to upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		handle TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		room_id TEXT PRIMARY KEY,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		last_seq INTEGER NOT NULL DEFAULT 0,
		last_message_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES conversations(room_id),
		seq INTEGER NOT NULL,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		created_at DATETIME NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		is_read INTEGER NOT NULL DEFAULT 0,
		UNIQUE (room_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a, last_message_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b, last_message_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append bumps the conversation's counter and inserts the message in one
// transaction; the conversation row is the room's serialization point.
func (s *SQLiteStore) Append(ctx context.Context, roomID, senderID, receiverID, content string, contentType models.ContentType) (*models.Message, error) {
	a, b, err := participants(roomID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("append", err)
	}
	defer tx.Rollback()

	ts := now()
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (room_id, participant_a, participant_b, last_seq, last_message_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (room_id) DO UPDATE
		SET last_seq = last_seq + 1, last_message_at = excluded.last_message_at
		RETURNING last_seq
	`, roomID, a, b, ts).Scan(&seq)
	if err != nil {
		return nil, unavailable("append", err)
	}

	msg := newMessage(roomID, seq, senderID, receiverID, content, contentType, ts)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, seq, sender_id, receiver_id, content, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.Seq, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.ContentType), msg.CreatedAt)
	if err != nil {
		return nil, unavailable("append", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("append", err)
	}
	return &msg, nil
}

// ListSince returns messages after afterSeq in ascending order.
func (s *SQLiteStore) ListSince(ctx context.Context, roomID string, afterSeq int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, seq, sender_id, receiver_id, content, content_type, created_at, delivered, is_read
		FROM messages
		WHERE room_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
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
func (s *SQLiteStore) MarkDelivered(ctx context.Context, roomID, messageID string) error {
	return s.mark(ctx, `UPDATE messages SET delivered = 1 WHERE id = ? AND room_id = ?`, roomID, messageID)
}

// MarkRead sets the read flag. A read message is also delivered.
func (s *SQLiteStore) MarkRead(ctx context.Context, roomID, messageID, reader string) error {
	var receiver string
	err := s.db.QueryRowContext(ctx,
		`SELECT receiver_id FROM messages WHERE id = ? AND room_id = ?`, messageID, roomID,
	).Scan(&receiver)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return unavailable("mark", err)
	}
	if receiver != reader {
		return ErrNotReceiver
	}
	return s.mark(ctx, `UPDATE messages SET delivered = 1, is_read = 1 WHERE id = ? AND room_id = ?`, roomID, messageID)
}

func (s *SQLiteStore) mark(ctx context.Context, query, roomID, messageID string) error {
	res, err := s.db.ExecContext(ctx, query, messageID, roomID)
	if err != nil {
		return unavailable("mark", err)
	}
	// Re-setting a flag still matches the row, so zero means no such message.
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("mark", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Conversations lists identity's rooms, most recent first.
func (s *SQLiteStore) Conversations(ctx context.Context, identity string, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, participant_a, participant_b, last_seq, last_message_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_message_at DESC, room_id ASC
		LIMIT ?
	`, identity, identity, clampLimit(limit))
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
func (s *SQLiteStore) ParticipantByHandle(ctx context.Context, handle string) (*models.Participant, error) {
	p := &models.Participant{}
	var createdAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, created_at FROM participants WHERE handle = ?
	`, handle).Scan(&p.ID, &p.Handle, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("participant", err)
	}
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time.UTC()
	}
	return p, nil
}
