package notify

import (
	"context"
	"sync"
)

const (
	defaultBacklog   = 32
	subscriberBuffer = 16
)

// Hub keeps in-process subscribers per user plus a short backlog so a
// client that connects late still sees recent replies.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[chan Reply]struct{}
	backlog map[string][]Reply
	limit   int
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		subs:    make(map[string]map[chan Reply]struct{}),
		backlog: make(map[string][]Reply),
		limit:   backlog,
	}
}

// Deliver never blocks; a subscriber whose buffer is full misses the reply
// but can still read it from the backlog.
func (h *Hub) Deliver(_ context.Context, r Reply) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := append(h.backlog[r.UserID], r)
	if len(b) > h.limit {
		b = b[len(b)-h.limit:]
	}
	h.backlog[r.UserID] = b
	for ch := range h.subs[r.UserID] {
		select {
		case ch <- r:
		default:
		}
	}
	return nil
}

// Subscribe returns the current backlog and a channel of new replies.
// The returned cancel func must be called to release the subscription.
func (h *Hub) Subscribe(userID string) ([]Reply, <-chan Reply, func()) {
	ch := make(chan Reply, subscriberBuffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Reply]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	backlog := append([]Reply(nil), h.backlog[userID]...)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
		})
	}
	return backlog, ch, cancel
}

// Forget drops the backlog of a user, used on reset.
func (h *Hub) Forget(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.backlog, userID)
}
