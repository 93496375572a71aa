// Package notify delivers assistant replies to the front-end.
package notify

import (
	"context"
	"errors"
	"time"
)

// Reply is one assistant message addressed to a user.
type Reply struct {
	UserID    string    `json:"user_id"`
	RequestID string    `json:"request_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Failure   bool      `json:"failure,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier hands a reply to whatever transport the front-end listens on.
type Notifier interface {
	Deliver(ctx context.Context, r Reply) error
}

// Multi fans a reply out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Deliver(ctx context.Context, r Reply) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Deliver(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
