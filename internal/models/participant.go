package models

import "time"

// Participant is a resolved account record owned by the external account service.
type Participant struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}
