package models

// EventType names a live event fanned out to joined sessions.
type EventType string

const (
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventRead     EventType = "read"
	EventPresence EventType = "presence"
)

// Event is what the router hands to each recipient connection. Only
// EventMessage events are persisted; the rest are fire-and-forget.
type Event struct {
	Type      EventType
	RoomID    string
	From      string
	Message   *Message // EventMessage
	IsTyping  bool     // EventTyping
	MessageID string   // EventRead
	Online    bool     // EventPresence
}
