package chat

import "time"

// Session captures a transient anonymous conversation.
type Session struct {
	ID        string    `json:"id"`
	Started   bool      `json:"started"`
	Busy      bool      `json:"busy"`
	CreatedAt time.Time `json:"createdAt"`
}
