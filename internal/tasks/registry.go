// Package tasks tracks long-running background work from submission to a
// terminal state and notifies subscribers exactly once.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"courier/internal/models"
	"courier/internal/worker"

	"github.com/google/uuid"
)

var (
	ErrUnknownTask       = errors.New("unknown background task")
	ErrCancelled         = errors.New("background task cancelled")
	ErrIllegalTransition = errors.New("illegal task transition")
)

// Work is the body of a background task.
type Work func(ctx context.Context) (string, error)

// Callback receives the terminal snapshot of a task.
type Callback func(models.BackgroundTask)

// Spec describes a task at submission time.
type Spec struct {
	Description string
	UserID      string
	RequestID   string
}

// Observer receives task transition metrics.
type Observer interface {
	ObserveTask(status string)
}

type Options struct {
	PoolSize int
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
}

type record struct {
	task      models.BackgroundTask
	callbacks []Callback
	cancel    context.CancelFunc
}

// Registry is the only writer of task status.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*record

	pool     *worker.Pool
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		tasks:    make(map[string]*record),
		pool:     worker.NewPool(0, opts.PoolSize, time.Minute),
		timeout:  opts.Timeout,
		logger:   opts.Logger.With("component", "tasks"),
		observer: opts.Observer,
		now:      time.Now,
		base:     base,
		stopBase: stop,
	}
}

func canTransition(from, to models.TaskStatus) bool {
	switch from {
	case models.TaskPending:
		return to == models.TaskRunning
	case models.TaskRunning:
		return to == models.TaskCompleted || to == models.TaskFailed
	}
	return false
}

// Cancelled reports whether a terminal task failed because it was cancelled.
func Cancelled(t models.BackgroundTask) bool {
	return t.Status == models.TaskFailed && t.Error == ErrCancelled.Error()
}

// Submit records the task as pending and schedules work. It never blocks.
func (r *Registry) Submit(spec Spec, work Work) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.tasks[id] = &record{task: models.BackgroundTask{
		ID:          id,
		UserID:      spec.UserID,
		RequestID:   spec.RequestID,
		Description: spec.Description,
		Status:      models.TaskPending,
		CreatedAt:   r.now(),
	}}
	r.mu.Unlock()
	r.observe(models.TaskPending)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pool.Submit(func() { r.execute(id, work) }); err != nil {
			r.abort(id, err)
		}
	}()
	return id
}

func (r *Registry) execute(id string, work Work) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(r.base, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(r.base)
	}
	defer cancel()
	if err := r.start(id, cancel); err != nil {
		return
	}

	result, err := safeRun(ctx, work)
	if err != nil {
		r.finish(id, models.TaskFailed, "", err)
		return
	}
	r.finish(id, models.TaskCompleted, result, nil)
}

func safeRun(ctx context.Context, work Work) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return work(ctx)
}

func (r *Registry) start(id string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if !canTransition(rec.task.Status, models.TaskRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.task.Status, models.TaskRunning)
	}
	rec.task.Status = models.TaskRunning
	rec.task.StartedAt = r.now()
	rec.cancel = cancel
	r.observe(models.TaskRunning)
	return nil
}

// abort fails a task that never got a pool slot.
func (r *Registry) abort(id string, cause error) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if ok && rec.task.Status == models.TaskPending {
		r.startLocked(rec)
	}
	r.mu.Unlock()
	r.finish(id, models.TaskFailed, "", cause)
}

// startLocked moves a pending task to running without a work context.
func (r *Registry) startLocked(rec *record) {
	rec.task.Status = models.TaskRunning
	rec.task.StartedAt = r.now()
	r.observe(models.TaskRunning)
}

// finish moves a running task to a terminal state and fires callbacks.
// A task that already reached a terminal state keeps it; late results are dropped.
func (r *Registry) finish(id string, status models.TaskStatus, result string, cause error) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	snap, callbacks, ok := r.terminateLocked(rec, status, result, cause)
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("discarding task result", "task_id", id, "status", snap.Status)
		return
	}
	r.done(snap, callbacks)
}

// terminateLocked applies a terminal transition and hands back the callbacks
// to fire once the lock is released. ok is false if the task already ended.
func (r *Registry) terminateLocked(rec *record, status models.TaskStatus, result string, cause error) (models.BackgroundTask, []Callback, bool) {
	if !canTransition(rec.task.Status, status) {
		return rec.task, nil, false
	}
	rec.task.Status = status
	rec.task.CompletedAt = r.now()
	rec.task.Result = result
	if cause != nil {
		rec.task.Error = cause.Error()
	}
	rec.cancel = nil
	callbacks := rec.callbacks
	rec.callbacks = nil
	return rec.task, callbacks, true
}

func (r *Registry) done(snap models.BackgroundTask, callbacks []Callback) {
	r.observe(snap.Status)
	r.logger.Info("task finished", "task_id", snap.ID, "user_id", snap.UserID, "status", snap.Status)
	r.fire(snap, callbacks)
}

// fire runs callbacks on their own goroutine, never the caller's.
func (r *Registry) fire(snap models.BackgroundTask, callbacks []Callback) {
	if len(callbacks) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for _, cb := range callbacks {
			r.invoke(snap, cb)
		}
	}()
}

func (r *Registry) invoke(snap models.BackgroundTask, cb Callback) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task callback panicked", "task_id", snap.ID, "panic", rec)
		}
	}()
	cb(snap)
}

// OnCompletion registers cb. If the task is already terminal cb fires
// right away with the stored state; either way it fires exactly once.
func (r *Registry) OnCompletion(id string, cb Callback) error {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !rec.task.Status.Terminal() {
		rec.callbacks = append(rec.callbacks, cb)
		r.mu.Unlock()
		return nil
	}
	snap := rec.task
	r.mu.Unlock()
	r.fire(snap, []Callback{cb})
	return nil
}

// Status returns a snapshot of the task.
func (r *Registry) Status(id string) (models.BackgroundTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return models.BackgroundTask{}, false
	}
	return rec.task, true
}

// ListActive returns pending and running tasks, oldest first.
func (r *Registry) ListActive() []models.BackgroundTask {
	return r.list(func(t models.BackgroundTask) bool { return t.Status.Active() })
}

// ForUser returns every retained task of the user, oldest first.
func (r *Registry) ForUser(userID string) []models.BackgroundTask {
	return r.list(func(t models.BackgroundTask) bool { return t.UserID == userID })
}

func (r *Registry) list(keep func(models.BackgroundTask) bool) []models.BackgroundTask {
	r.mu.Lock()
	out := make([]models.BackgroundTask, 0, len(r.tasks))
	for _, rec := range r.tasks {
		if keep(rec.task) {
			out = append(out, rec.task)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelUser fails every active task of the user with ErrCancelled and
// cancels the context of running work. The failure is recorded before the
// lock is released, so work finishing concurrently cannot complete the task.
// It returns how many were cancelled.
func (r *Registry) CancelUser(userID string) int {
	type cancelled struct {
		snap      models.BackgroundTask
		callbacks []Callback
	}
	var out []cancelled
	r.mu.Lock()
	for _, rec := range r.tasks {
		if rec.task.UserID != userID || !rec.task.Status.Active() {
			continue
		}
		if rec.task.Status == models.TaskPending {
			r.startLocked(rec)
		}
		if rec.cancel != nil {
			rec.cancel()
		}
		snap, callbacks, ok := r.terminateLocked(rec, models.TaskFailed, "", ErrCancelled)
		if ok {
			out = append(out, cancelled{snap: snap, callbacks: callbacks})
		}
	}
	r.mu.Unlock()

	for _, c := range out {
		r.done(c.snap, c.callbacks)
	}
	if len(out) > 0 {
		r.logger.Info("cancelled background tasks", "user_id", userID, "count", len(out))
	}
	return len(out)
}

// Prune drops terminal tasks that completed before the cutoff.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.tasks {
		if rec.task.Status.Terminal() && rec.task.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// StartJanitor prunes terminal tasks older than ttl every interval until ctx ends.
func (r *Registry) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Prune(r.now().Add(-ttl)); n > 0 {
					r.logger.Debug("pruned background tasks", "count", n)
				}
			}
		}
	}()
}

// Close cancels running work and waits for callbacks until ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	r.stopBase()
	r.pool.Close()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) observe(status models.TaskStatus) {
	if r.observer != nil {
		r.observer.ObserveTask(string(status))
	}
}
