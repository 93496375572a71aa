package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"courier/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Enqueue when the user's lane is at capacity.
	ErrQueueFull = errors.New("message queue is full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler processes drained entries. Failed is called once for every entry
// whose Process returned an error or panicked.
type Handler interface {
	Process(ctx context.Context, entry models.QueueEntry) error
	Failed(ctx context.Context, entry models.QueueEntry, err error)
}

// Observer receives queue metrics.
type Observer interface {
	SetPending(n int)
	IncRejected()
	ObserveEntry(failed bool, wait, run time.Duration)
}

type nopObserver struct{}

func (nopObserver) SetPending(int)                                  {}
func (nopObserver) IncRejected()                                    {}
func (nopObserver) ObserveEntry(bool, time.Duration, time.Duration) {}

// LaneStats describes one user's lane.
type LaneStats struct {
	Depth     int    `json:"depth"`
	InFlight  bool   `json:"in_flight"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

type userQueue struct {
	jobs     []models.QueueEntry
	busy     bool // an entry of this user is being processed
	enqueued bool // user sits in the ready list
	stats    LaneStats
}

type retiredLane struct {
	userID string
	stats  LaneStats
}

// Options configures a Dispatcher. RetainIdle bounds how many drained lanes
// keep their counters after the lane itself is released.
type Options struct {
	MaxDepth   int
	MinWorkers int
	MaxWorkers int
	IdleExpiry time.Duration
	RetainIdle int
	Logger     *slog.Logger
	Observer   Observer
}

// Dispatcher keeps one FIFO lane per user. Lanes run in parallel on the
// pool; inside a lane the next entry starts only after the previous one
// finished.
type Dispatcher struct {
	pool       *Pool
	handler    Handler
	maxDepth   int
	retainIdle int
	logger     *slog.Logger
	observer   Observer

	mu         sync.Mutex
	queues     map[string]*userQueue
	ready      *list.List // users with a runnable entry, oldest first
	positions  map[string]*list.Element
	retired    map[string]*list.Element
	retiredLRU *list.List // oldest drained lane first
	pending    int
	stopped    bool

	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
	now      func() time.Time
}

func NewDispatcher(handler Handler, opts Options) *Dispatcher {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}
	if opts.RetainIdle <= 0 {
		opts.RetainIdle = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	d := &Dispatcher{
		pool:       NewPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleExpiry),
		handler:    handler,
		maxDepth:   opts.MaxDepth,
		retainIdle: opts.RetainIdle,
		logger:     opts.Logger.With("component", "dispatcher"),
		observer:   opts.Observer,
		queues:     make(map[string]*userQueue),
		ready:      list.New(),
		positions:  make(map[string]*list.Element),
		retired:    make(map[string]*list.Element),
		retiredLRU: list.New(),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		now:        time.Now,
	}
	go d.run()
	return d
}

// Enqueue appends payload to the user's lane. The in-flight entry counts
// towards the depth bound. Enqueue never blocks on processing.
func (d *Dispatcher) Enqueue(userID, payload string) (models.QueueEntry, error) {
	entry := models.QueueEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Payload:    payload,
		EnqueuedAt: d.now(),
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return models.QueueEntry{}, ErrStopped
	}
	q := d.queues[userID]
	if q == nil {
		q = &userQueue{stats: d.reviveLocked(userID)}
		d.queues[userID] = q
	}
	depth := len(q.jobs)
	if q.busy {
		depth++
	}
	if depth >= d.maxDepth {
		d.mu.Unlock()
		d.observer.IncRejected()
		return models.QueueEntry{}, fmt.Errorf("%w: user %s has %d of %d slots in use", ErrQueueFull, userID, depth, d.maxDepth)
	}
	q.jobs = append(q.jobs, entry)
	q.stats.Depth = len(q.jobs)
	d.pending++
	d.markReadyLocked(userID, q)
	pending := d.pending
	d.mu.Unlock()

	d.observer.SetPending(pending)
	debugLog("[dispatcher] queued %s for user %s (depth %d)", entry.ID, userID, depth+1)
	d.signal()
	return entry, nil
}

// LaneStats reports the user's lane, zero if unknown.
func (d *Dispatcher) LaneStats(userID string) LaneStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[userID]
	if q == nil {
		if elem, ok := d.retired[userID]; ok {
			return elem.Value.(*retiredLane).stats
		}
		return LaneStats{}
	}
	st := q.stats
	st.Depth = len(q.jobs)
	st.InFlight = q.busy
	return st
}

// Stop refuses new entries, waits for in-flight ones until ctx is done and
// releases the pool. Entries still queued are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	dropped := d.pending
	d.mu.Unlock()
	close(d.quit)
	<-d.loopDone

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.pool.Close()
	if dropped > 0 {
		d.logger.Warn("dropped queued entries on stop", "count", dropped)
	}
	return err
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for {
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) markReadyLocked(userID string, q *userQueue) {
	if q.busy || q.enqueued || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// retireLocked releases a drained lane and keeps its counters, evicting the
// oldest retired counters past retainIdle.
func (d *Dispatcher) retireLocked(userID string, q *userQueue) {
	delete(d.queues, userID)
	st := q.stats
	st.Depth = 0
	st.InFlight = false
	d.retired[userID] = d.retiredLRU.PushBack(&retiredLane{userID: userID, stats: st})
	for d.retiredLRU.Len() > d.retainIdle {
		oldest := d.retiredLRU.Front()
		d.retiredLRU.Remove(oldest)
		delete(d.retired, oldest.Value.(*retiredLane).userID)
	}
}

// reviveLocked hands back the counters of a retired lane, if any.
func (d *Dispatcher) reviveLocked(userID string) LaneStats {
	elem, ok := d.retired[userID]
	if !ok {
		return LaneStats{}
	}
	d.retiredLRU.Remove(elem)
	delete(d.retired, userID)
	return elem.Value.(*retiredLane).stats
}

// dispatchOne takes the head entry of the first ready user and hands it to
// the pool. The user leaves the ready list until the entry completes.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	d.ready.Remove(elem)
	delete(d.positions, userID)
	q := d.queues[userID]
	q.enqueued = false
	entry := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.busy = true
	d.pending--
	pending := d.pending
	d.inflight.Add(1)
	d.mu.Unlock()

	d.observer.SetPending(pending)
	if err := d.pool.Submit(func() { d.execute(entry) }); err != nil {
		d.logger.Error("dispatch entry", "entry_id", entry.ID, "user_id", userID, "error", err)
		d.finish(entry, err, 0)
		d.inflight.Done()
	}
	return true
}

func (d *Dispatcher) execute(entry models.QueueEntry) {
	defer d.inflight.Done()
	started := d.now()
	debugLog("[dispatcher] start %s for user %s", entry.ID, entry.UserID)
	err := d.process(entry)
	took := d.now().Sub(started)
	d.observer.ObserveEntry(err != nil, started.Sub(entry.EnqueuedAt), took)
	d.finish(entry, err, took)
}

// process runs the handler and turns a panic into an error.
func (d *Dispatcher) process(entry models.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", entry.ID, r)
		}
	}()
	return d.handler.Process(context.Background(), entry)
}

func (d *Dispatcher) finish(entry models.QueueEntry, err error, took time.Duration) {
	if err != nil {
		entry.Err = err.Error()
		d.logger.Warn("entry failed", "entry_id", entry.ID, "user_id", entry.UserID, "error", err)
		d.notifyFailure(entry, err)
	}

	d.mu.Lock()
	q := d.queues[entry.UserID]
	q.busy = false
	q.stats.Processed++
	if err != nil {
		q.stats.Failed++
		q.stats.LastError = entry.Err
	}
	if !d.stopped {
		d.markReadyLocked(entry.UserID, q)
	}
	if len(q.jobs) == 0 && !q.enqueued {
		d.retireLocked(entry.UserID, q)
	}
	d.mu.Unlock()

	debugLog("[dispatcher] done %s for user %s in %s", entry.ID, entry.UserID, took)
	d.signal()
}

func (d *Dispatcher) notifyFailure(entry models.QueueEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("failure handler panicked", "entry_id", entry.ID, "panic", r)
		}
	}()
	d.handler.Failed(context.Background(), entry, err)
}
