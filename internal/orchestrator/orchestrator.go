// Package orchestrator turns a drained queue entry into a worker dispatch and
// keeps each session's proposal state in step with the conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"courier/internal/capability"
	"courier/internal/contextwin"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/notify"
	"courier/internal/session"
	"courier/internal/tasks"
)

// ErrWorkerTimeout is returned when a synchronous worker call exceeds its deadline.
var ErrWorkerTimeout = errors.New("worker timed out")

const defaultTimeout = 5 * time.Minute

// Reply kinds carried on notify.Reply.Kind.
const (
	ReplyDirect     = "direct"
	ReplyCode       = "code"
	ReplyResearch   = "research"
	ReplyBackground = "background"
	ReplyStarted    = "background_started"
	ReplyReject     = "reject"
	ReplyFailure    = "failure"
)

// Recorder receives dispatch metrics.
type Recorder interface {
	ObserveDispatch(kind, outcome string, d time.Duration)
	AddTokens(kind string, prompt, completion int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDispatch(string, string, time.Duration) {}
func (nopRecorder) AddTokens(string, int, int)                    {}

// Deps wires an Orchestrator.
type Deps struct {
	Store    *session.Store
	Registry *tasks.Registry
	Workers  capability.Set
	// Responder answers direct replies; nil falls back to a canned answer.
	Responder capability.Capability
	Notifier  notify.Notifier
	Proposals ProposalClassifier
	Intents   IntentClassifier
	Budget    contextwin.Budget
	Timeout   time.Duration
	Recorder  Recorder
	Usage     *metrics.UsageTracker
	Logger    *slog.Logger
	Clock     func() time.Time
	// Workspace is used for users that never set their own.
	Workspace string
	// StripMarker cleans background markers off a task description.
	StripMarker func(string) string
}

// Orchestrator is the worker.Handler behind the dispatcher.
type Orchestrator struct {
	store     *session.Store
	registry  *tasks.Registry
	workers   capability.Set
	responder capability.Capability
	notifier  notify.Notifier
	proposals ProposalClassifier
	intents   IntentClassifier
	budget    contextwin.Budget
	timeout   time.Duration
	recorder  Recorder
	usage     *metrics.UsageTracker
	logger    *slog.Logger
	now       func() time.Time
	stripBg   func(string) string
	workspace string
}

// New builds an orchestrator. Store and Registry are required.
func New(d Deps) *Orchestrator {
	if d.Store == nil || d.Registry == nil {
		panic("orchestrator: store and registry are required")
	}
	o := &Orchestrator{
		store:     d.Store,
		registry:  d.Registry,
		workers:   d.Workers,
		responder: d.Responder,
		notifier:  d.Notifier,
		proposals: d.Proposals,
		intents:   d.Intents,
		budget:    d.Budget,
		timeout:   d.Timeout,
		recorder:  d.Recorder,
		usage:     d.Usage,
		logger:    d.Logger,
		now:       d.Clock,
		stripBg:   d.StripMarker,
		workspace: d.Workspace,
	}
	kc := NewKeywordClassifier(DefaultKeywords, 0)
	if o.proposals == nil {
		o.proposals = kc
	}
	if o.intents == nil {
		o.intents = kc
	}
	if o.stripBg == nil {
		if k, ok := o.intents.(*KeywordClassifier); ok {
			o.stripBg = k.StripMarker
		} else {
			o.stripBg = strings.TrimSpace
		}
	}
	if o.budget == (contextwin.Budget{}) {
		o.budget = contextwin.DefaultBudget()
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.usage == nil {
		o.usage = metrics.NewUsageTracker()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Process handles one queue entry. The user turn is recorded first; errors
// are returned to the dispatcher, which hands them back through Failed.
func (o *Orchestrator) Process(ctx context.Context, entry models.QueueEntry) error {
	o.usage.Message(entry.UserID)
	snap := o.store.AppendTurn(entry.UserID, models.Turn{
		Role:      models.RoleUser,
		Content:   entry.Payload,
		RequestID: entry.ID,
	})

	if snap.Proposal != nil {
		d := o.proposals.ClassifyReply(entry.Payload)
		o.logger.Debug("proposal reply classified",
			"user_id", entry.UserID, "request_id", entry.ID,
			"outcome", d.Outcome, "reason", d.Reason, "keyword", d.MatchedKeyword)
		switch d.Outcome {
		case OutcomeApprove:
			return o.implement(ctx, entry, snap, "")
		case OutcomeRefine:
			return o.implement(ctx, entry, snap, entry.Payload)
		case OutcomeReject:
			return o.reject(ctx, entry)
		}
	}

	d := o.intents.ClassifyIntent(entry.Payload)
	o.logger.Debug("intent classified",
		"user_id", entry.UserID, "request_id", entry.ID,
		"outcome", d.Outcome, "reason", d.Reason, "keyword", d.MatchedKeyword)
	switch d.Outcome {
	case OutcomeBackground:
		return o.background(ctx, entry, snap)
	case OutcomeResearch:
		return o.research(ctx, entry, snap)
	case OutcomeCode:
		return o.code(ctx, entry, snap, entry.Payload, false)
	default:
		return o.direct(ctx, entry, snap)
	}
}

// Failed records a failed entry as an assistant turn and tells the user.
func (o *Orchestrator) Failed(ctx context.Context, entry models.QueueEntry, err error) {
	timeout := errors.Is(err, ErrWorkerTimeout)
	o.usage.Failure(entry.UserID, timeout)
	o.logger.Warn("request failed",
		"user_id", entry.UserID, "request_id", entry.ID, "timeout", timeout, "error", err)
	o.reply(ctx, entry, "", ReplyFailure, failureText(err, o.timeout), true)
}

func failureText(err error, timeout time.Duration) string {
	var failure *capability.FailureError
	switch {
	case errors.Is(err, ErrWorkerTimeout):
		return fmt.Sprintf("Sorry, the worker did not finish within %s and the request was abandoned.", timeout)
	case errors.As(err, &failure):
		return fmt.Sprintf("The %s worker could not complete this request: %s", failure.Kind, failure.Message)
	default:
		return fmt.Sprintf("Something went wrong while handling your message: %v", err)
	}
}

func (o *Orchestrator) implement(ctx context.Context, entry models.QueueEntry, snap *models.Session, refinement string) error {
	prompt := "Implement the approved proposal below.\n\n" + snap.Proposal.Text
	if refinement != "" {
		prompt += "\n\nApply these adjustments from the user:\n" + refinement
	}
	return o.code(ctx, entry, snap, prompt, true)
}

func (o *Orchestrator) code(ctx context.Context, entry models.QueueEntry, snap *models.Session, prompt string, fromProposal bool) error {
	res, err := o.invoke(ctx, capability.KindCode, entry, snap, prompt)
	if err != nil {
		return err
	}
	if fromProposal {
		o.store.SetPendingProposal(entry.UserID, nil)
	}
	o.reply(ctx, entry, "", ReplyCode, res.Text, false)
	return nil
}

func (o *Orchestrator) research(ctx context.Context, entry models.QueueEntry, snap *models.Session) error {
	res, err := o.invoke(ctx, capability.KindResearch, entry, snap, entry.Payload)
	if err != nil {
		return err
	}
	o.store.SetPendingProposal(entry.UserID, &models.Proposal{
		Text:            res.Text,
		SourceRequestID: entry.ID,
	})
	o.reply(ctx, entry, "", ReplyResearch, res.Text, false)
	return nil
}

func (o *Orchestrator) reject(ctx context.Context, entry models.QueueEntry) error {
	o.store.SetPendingProposal(entry.UserID, nil)
	o.usage.Dispatch(entry.UserID, string(OutcomeReject))
	o.recorder.ObserveDispatch(string(OutcomeReject), "ok", 0)
	o.reply(ctx, entry, "", ReplyReject, "Understood, I dropped that proposal.", false)
	return nil
}

const cannedReply = "I can fix or change code, research an idea and propose a plan, or run long jobs in the background (prefix with /bg)."

func (o *Orchestrator) direct(ctx context.Context, entry models.QueueEntry, snap *models.Session) error {
	if o.responder == nil {
		o.usage.Dispatch(entry.UserID, string(capability.KindReply))
		o.reply(ctx, entry, "", ReplyDirect, cannedReply, false)
		return nil
	}
	res, err := o.call(ctx, capability.KindReply, o.responder, entry, snap, entry.Payload)
	if err != nil {
		return err
	}
	o.reply(ctx, entry, "", ReplyDirect, res.Text, false)
	return nil
}

func (o *Orchestrator) background(ctx context.Context, entry models.QueueEntry, snap *models.Session) error {
	worker, err := o.workers.For(capability.KindBackground)
	if err != nil {
		return err
	}
	desc := o.stripBg(entry.Payload)
	slice := o.slice(snap)
	opts := capability.Options{UserID: entry.UserID, RequestID: entry.ID, Workspace: slice.Workspace}
	userID := entry.UserID

	id := o.registry.Submit(tasks.Spec{
		Description: desc,
		UserID:      userID,
		RequestID:   entry.ID,
	}, func(taskCtx context.Context) (string, error) {
		start := o.now()
		res, err := worker.Invoke(taskCtx, desc, slice, opts)
		outcome := "ok"
		defer func() {
			o.recorder.ObserveDispatch(string(capability.KindBackground), outcome, o.now().Sub(start))
		}()
		if err != nil {
			outcome = "error"
			return "", err
		}
		o.recordTokens(userID, capability.KindBackground, res.Usage)
		if !res.Success {
			outcome = "failure"
			return "", &capability.FailureError{Kind: capability.KindBackground, Message: res.Error}
		}
		return res.Text, nil
	})
	o.usage.Dispatch(userID, string(capability.KindBackground))

	o.reply(ctx, entry, id, ReplyStarted,
		fmt.Sprintf("Started background task %s: %s\nI will report back here when it finishes.", id, summarize(desc)), false)

	// Registered after the acknowledgment so the completion turn always follows it.
	if err := o.registry.OnCompletion(id, func(t models.BackgroundTask) {
		o.backgroundDone(entry, t)
	}); err != nil {
		o.logger.Error("register completion callback", "task_id", id, "error", err)
	}
	return nil
}

func (o *Orchestrator) backgroundDone(entry models.QueueEntry, t models.BackgroundTask) {
	if tasks.Cancelled(t) {
		o.logger.Info("background task cancelled", "user_id", t.UserID, "task_id", t.ID)
		return
	}
	ctx := context.Background()
	if t.Status == models.TaskCompleted {
		o.reply(ctx, entry, t.ID, ReplyBackground,
			fmt.Sprintf("Background task %s finished:\n%s", t.ID, t.Result), false)
		return
	}
	o.usage.Failure(t.UserID, false)
	o.reply(ctx, entry, t.ID, ReplyFailure,
		fmt.Sprintf("Background task %s failed: %s", t.ID, t.Error), true)
}

func summarize(s string) string {
	const limit = 120
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

func (o *Orchestrator) slice(snap *models.Session) contextwin.Slice {
	slice := contextwin.Build(snap, o.registry.ListActive(), o.budget)
	if slice.Workspace == "" {
		slice.Workspace = o.workspace
	}
	return slice
}

func (o *Orchestrator) invoke(ctx context.Context, kind capability.Kind, entry models.QueueEntry, snap *models.Session, prompt string) (capability.Result, error) {
	worker, err := o.workers.For(kind)
	if err != nil {
		return capability.Result{}, err
	}
	return o.call(ctx, kind, worker, entry, snap, prompt)
}

type callResult struct {
	res capability.Result
	err error
}

// call runs one synchronous worker call under the worker timeout. A worker
// that ignores cancellation is abandoned once the deadline passes.
func (o *Orchestrator) call(ctx context.Context, kind capability.Kind, worker capability.Capability, entry models.QueueEntry, snap *models.Session, prompt string) (capability.Result, error) {
	o.usage.Dispatch(entry.UserID, string(kind))
	slice := o.slice(snap)
	opts := capability.Options{UserID: entry.UserID, RequestID: entry.ID, Workspace: slice.Workspace}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := o.now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%s worker panicked: %v", kind, r)}
			}
		}()
		res, err := worker.Invoke(callCtx, prompt, slice, opts)
		done <- callResult{res: res, err: err}
	}()

	var out callResult
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = callResult{err: callCtx.Err()}
	}
	elapsed := o.now().Sub(start)

	if out.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			o.recorder.ObserveDispatch(string(kind), "timeout", elapsed)
			return capability.Result{}, fmt.Errorf("%w: %s worker after %s", ErrWorkerTimeout, kind, o.timeout)
		}
		o.recorder.ObserveDispatch(string(kind), "error", elapsed)
		var failure *capability.FailureError
		if errors.As(out.err, &failure) {
			return capability.Result{}, out.err
		}
		return capability.Result{}, &capability.FailureError{Kind: kind, Message: out.err.Error()}
	}

	o.recordTokens(entry.UserID, kind, out.res.Usage)
	if !out.res.Success {
		o.recorder.ObserveDispatch(string(kind), "failure", elapsed)
		msg := out.res.Error
		if msg == "" {
			msg = out.res.Text
		}
		return capability.Result{}, &capability.FailureError{Kind: kind, Message: msg}
	}
	o.recorder.ObserveDispatch(string(kind), "ok", elapsed)
	return out.res, nil
}

func (o *Orchestrator) recordTokens(userID string, kind capability.Kind, u capability.Usage) {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	o.usage.Tokens(userID, u.PromptTokens, u.CompletionTokens)
	o.recorder.AddTokens(string(kind), u.PromptTokens, u.CompletionTokens)
}

// reply appends the assistant turn and hands it to the notifier.
func (o *Orchestrator) reply(ctx context.Context, entry models.QueueEntry, taskID, kind, text string, failure bool) {
	now := o.now()
	o.store.AppendTurn(entry.UserID, models.Turn{
		Role:      models.RoleAssistant,
		Content:   text,
		RequestID: entry.ID,
		CreatedAt: now,
	})
	if o.notifier == nil {
		return
	}
	err := o.notifier.Deliver(ctx, notify.Reply{
		UserID:    entry.UserID,
		RequestID: entry.ID,
		TaskID:    taskID,
		Kind:      kind,
		Text:      text,
		Failure:   failure,
		CreatedAt: now,
	})
	if err != nil {
		o.logger.Warn("deliver reply", "user_id", entry.UserID, "request_id", entry.ID, "error", err)
	}
}
