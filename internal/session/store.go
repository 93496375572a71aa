package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"courier/internal/models"
)

const defaultSaveTimeout = 5 * time.Second

// Stats summarizes one session for the status command.
type Stats struct {
	UserID          string    `json:"user_id"`
	TurnCount       int       `json:"turn_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	ProposalPending bool      `json:"proposal_pending"`
	Workspace       string    `json:"workspace,omitempty"`
}

type entry struct {
	mu      sync.Mutex
	session *models.Session
}

// Store holds every user's session. Each session is guarded by its own
// mutex; the map lock is only held to look entries up.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry

	// saveMu guards the full-write state below. It is never held across I/O.
	saveMu      sync.Mutex
	idle        *sync.Cond
	latest      map[string]*models.Session
	dirty       bool
	writing     bool
	lastErr     error
	persister   Persister
	saveTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSaveTimeout bounds each persistence write.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.saveTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds an empty store. A nil persister keeps sessions in memory only.
func NewStore(p Persister, opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*entry),
		latest:      make(map[string]*models.Session),
		persister:   p,
		saveTimeout: defaultSaveTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	s.idle = sync.NewCond(&s.saveMu)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// Load reads every persisted session. Corrupt entries and a failed read
// are logged and replaced by empty sessions; Load never fails the caller.
func (s *Store) Load(ctx context.Context) int {
	if s.persister == nil {
		return 0
	}
	loaded, err := s.persister.LoadAll(ctx)
	if err != nil {
		var corrupt *CorruptionError
		if errors.As(err, &corrupt) {
			s.logger.Warn("corrupt sessions reset", "error", err)
		} else {
			s.logger.Error("load sessions failed, starting empty", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for userID, sess := range loaded {
		if sess == nil {
			sess = models.NewSession(userID, now)
		}
		sess.UserID = userID
		if sess.History == nil {
			sess.History = []models.Turn{}
		}
		s.sessions[userID] = &entry{session: sess}
	}
	s.saveMu.Lock()
	for userID, e := range s.sessions {
		s.latest[userID] = e.session.Clone()
	}
	s.saveMu.Unlock()
	return len(loaded)
}

func (s *Store) entryFor(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[userID]
	if !ok {
		e = &entry{session: models.NewSession(userID, s.now())}
		s.sessions[userID] = e
	}
	return e
}

// mutate runs fn inside the session's critical section and writes the
// result through to the persister before releasing it.
func (s *Store) mutate(userID string, fn func(*models.Session)) *models.Session {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	before := len(e.session.History)
	fn(e.session)
	if len(e.session.History) < before && len(e.session.History) != 0 {
		panic("session: history shrank without a clear")
	}
	snap := e.session.Clone()
	s.save(snap)
	return snap
}

// save writes one session. Backends with per-session writes are called
// under the session lock only; full-write backends go through saveAll.
func (s *Store) save(snap *models.Session) {
	if s.persister == nil {
		return
	}
	if saver, ok := s.persister.(SessionSaver); ok {
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := saver.SaveSession(ctx, snap); err != nil {
			s.logger.Error("persist session failed", "user_id", snap.UserID, "error", err)
		}
		s.saveMu.Lock()
		s.latest[snap.UserID] = snap
		s.saveMu.Unlock()
		return
	}
	s.saveMu.Lock()
	s.latest[snap.UserID] = snap
	s.saveAll(context.Background(), false)
}

// saveAll coalesces full writes. One caller writes at a time and keeps
// writing until no newer state is pending; other callers only mark the
// state dirty. With wait the caller returns once its state is on disk.
// It must be called with saveMu held and returns with it released.
func (s *Store) saveAll(ctx context.Context, wait bool) error {
	s.dirty = true
	if s.writing {
		if !wait {
			s.saveMu.Unlock()
			return nil
		}
		for s.writing {
			s.idle.Wait()
		}
		if !s.dirty {
			err := s.lastErr
			s.saveMu.Unlock()
			return err
		}
	}

	s.writing = true
	var err error
	for s.dirty {
		s.dirty = false
		all := make(map[string]*models.Session, len(s.latest))
		for id, v := range s.latest {
			all[id] = v
		}
		s.saveMu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, s.saveTimeout)
		err = s.persister.SaveAll(writeCtx, all)
		cancel()
		if err != nil {
			s.logger.Error("persist sessions failed", "count", len(all), "error", err)
		}
		s.saveMu.Lock()
	}
	s.writing = false
	s.lastErr = err
	s.idle.Broadcast()
	s.saveMu.Unlock()
	return err
}

// GetOrCreate returns a copy of the user's session, creating it when absent.
func (s *Store) GetOrCreate(userID string) *models.Session {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// Snapshot returns a copy of the session if the user is known.
func (s *Store) Snapshot(userID string) (*models.Session, bool) {
	s.mu.Lock()
	e, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

// AppendTurn adds a turn at the end of the user's history.
func (s *Store) AppendTurn(userID string, turn models.Turn) *models.Session {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	return s.mutate(userID, func(sess *models.Session) {
		sess.History = append(sess.History, turn)
		sess.LastActivity = turn.CreatedAt
	})
}

// SetPendingProposal replaces the pending proposal; nil clears it.
func (s *Store) SetPendingProposal(userID string, p *models.Proposal) *models.Session {
	return s.mutate(userID, func(sess *models.Session) {
		if p == nil {
			sess.Proposal = nil
			return
		}
		cp := *p
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = s.now()
		}
		sess.Proposal = &cp
	})
}

// SetWorkspace records the workspace reference handed to workers.
func (s *Store) SetWorkspace(userID, ref string) *models.Session {
	return s.mutate(userID, func(sess *models.Session) {
		sess.Workspace = ref
	})
}

// Clear drops history and any pending proposal. The workspace is kept.
func (s *Store) Clear(userID string) *models.Session {
	return s.mutate(userID, func(sess *models.Session) {
		sess.History = []models.Turn{}
		sess.Proposal = nil
		sess.LastActivity = s.now()
	})
}

// Stats reports the session summary, creating the session when absent.
func (s *Store) Stats(userID string) Stats {
	sess := s.GetOrCreate(userID)
	return Stats{
		UserID:          userID,
		TurnCount:       len(sess.History),
		CreatedAt:       sess.CreatedAt,
		LastActivity:    sess.LastActivity,
		ProposalPending: sess.Proposal != nil,
		Workspace:       sess.Workspace,
	}
}

// Users lists known user ids in sorted order.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Flush writes every session through SaveAll and waits for the write.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snaps := make(map[string]*models.Session)
	for _, id := range s.Users() {
		if snap, ok := s.Snapshot(id); ok {
			snaps[id] = snap
		}
	}
	s.saveMu.Lock()
	for id, snap := range snaps {
		// latest is newer for any session mutated since its snapshot.
		if _, ok := s.latest[id]; !ok {
			s.latest[id] = snap
		}
	}
	return s.saveAll(ctx, true)
}
