package models

import "time"

// ContentType tells clients how to render Message.Content.
type ContentType string

const (
	ContentText ContentType = "text"
	// ContentFile messages carry a reference (URL or handle) returned by the
	// external file storage service, never raw bytes.
	ContentFile ContentType = "file"
)

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	return t == ContentText || t == ContentFile
}

// Message represents a persisted chat message in a two-party room.
type Message struct {
	ID          string      `json:"id"` // ULID
	RoomID      string      `json:"room_id"`
	Seq         int64       `json:"seq"` // Per-room, starts at 1, no gaps
	SenderID    string      `json:"from"`
	ReceiverID  string      `json:"to"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	CreatedAt   time.Time   `json:"created_at"`
	Delivered   bool        `json:"delivered"`
	Read        bool        `json:"read"`
}
