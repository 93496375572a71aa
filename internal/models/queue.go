package models

import "time"

// QueueEntry is one inbound message waiting in (or drained from) a user lane.
type QueueEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Err        string    `json:"error,omitempty"`
}
