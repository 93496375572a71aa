package metrics

import (
	"sync"
	"time"
)

// Usage is the per-user counter set behind the usage command.
type Usage struct {
	UserID           string         `json:"user_id"`
	Messages         int            `json:"messages"`
	Rejected         int            `json:"rejected"`
	Dispatches       map[string]int `json:"dispatches"`
	Failures         int            `json:"failures"`
	Timeouts         int            `json:"timeouts"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	LastSeen         time.Time      `json:"last_seen,omitempty"`
}

// UsageTracker aggregates Usage per user in memory.
type UsageTracker struct {
	mu    sync.Mutex
	users map[string]*Usage
	now   func() time.Time
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{users: make(map[string]*Usage), now: time.Now}
}

func (t *UsageTracker) get(userID string) *Usage {
	u, ok := t.users[userID]
	if !ok {
		u = &Usage{UserID: userID, Dispatches: make(map[string]int)}
		t.users[userID] = u
	}
	return u
}

func (t *UsageTracker) update(userID string, fn func(*Usage)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.get(userID)
	fn(u)
	u.LastSeen = t.now()
}

func (t *UsageTracker) Message(userID string) {
	t.update(userID, func(u *Usage) { u.Messages++ })
}

func (t *UsageTracker) Rejected(userID string) {
	t.update(userID, func(u *Usage) { u.Rejected++ })
}

func (t *UsageTracker) Dispatch(userID, kind string) {
	t.update(userID, func(u *Usage) { u.Dispatches[kind]++ })
}

func (t *UsageTracker) Failure(userID string, timeout bool) {
	t.update(userID, func(u *Usage) {
		u.Failures++
		if timeout {
			u.Timeouts++
		}
	})
}

func (t *UsageTracker) Tokens(userID string, prompt, completion int) {
	t.update(userID, func(u *Usage) {
		u.PromptTokens += prompt
		u.CompletionTokens += completion
	})
}

// Snapshot returns a copy of the user's counters.
func (t *UsageTracker) Snapshot(userID string) Usage {
	if t == nil {
		return Usage{UserID: userID, Dispatches: map[string]int{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.get(userID)
	out := *u
	out.Dispatches = make(map[string]int, len(u.Dispatches))
	for k, v := range u.Dispatches {
		out.Dispatches[k] = v
	}
	return out
}
