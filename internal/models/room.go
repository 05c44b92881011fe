package models

import "time"

// Conversation summarizes a room for the participant's conversation list.
type Conversation struct {
	RoomID        string    `json:"room_id"`
	Participants  [2]string `json:"participants"`
	LastSeq       int64     `json:"last_seq"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Peer returns the participant other than identity.
func (c Conversation) Peer(identity string) string {
	if c.Participants[0] == identity {
		return c.Participants[1]
	}
	return c.Participants[0]
}
