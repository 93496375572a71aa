package models

import "time"

// Session groups the full conversation of one user.
type Session struct {
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	History      []Turn    `json:"history"`
	Workspace    string    `json:"workspace,omitempty"`
	Proposal     *Proposal `json:"proposal,omitempty"`
}

// Proposal is a research result waiting for the user's decision.
type Proposal struct {
	Text            string    `json:"text"`
	SourceRequestID string    `json:"source_request_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewSession returns an empty session stamped with now.
func NewSession(userID string, now time.Time) *Session {
	return &Session{
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		History:      []Turn{},
	}
}

// Clone returns a deep copy that shares no slices or pointers with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Turn, len(s.History))
	copy(out.History, s.History)
	if s.Proposal != nil {
		p := *s.Proposal
		out.Proposal = &p
	}
	return &out
}
