package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/capability"
	"courier/internal/contextwin"
	"courier/internal/models"
	"courier/internal/notify"
	"courier/internal/session"
	"courier/internal/tasks"
	"courier/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invocation struct {
	prompt string
	slice  contextwin.Slice
	opts   capability.Options
}

type fakeWorker struct {
	mu    sync.Mutex
	calls []invocation
	fn    func(ctx context.Context, prompt string) (capability.Result, error)
}

func (f *fakeWorker) Invoke(ctx context.Context, prompt string, slice contextwin.Slice, opts capability.Options) (capability.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{prompt: prompt, slice: slice, opts: opts})
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return capability.Result{Text: "done", Success: true}, nil
	}
	return fn(ctx, prompt)
}

func (f *fakeWorker) Calls() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.calls...)
}

func reply(text string) func(context.Context, string) (capability.Result, error) {
	return func(context.Context, string) (capability.Result, error) {
		return capability.Result{Text: text, Success: true}, nil
	}
}

type harness struct {
	store    *session.Store
	registry *tasks.Registry
	hub      *notify.Hub
	code     *fakeWorker
	research *fakeWorker
	bg       *fakeWorker
	orch     *Orchestrator
	seq      int
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		store:    session.NewStore(session.NewMemoryPersister()),
		registry: tasks.NewRegistry(tasks.Options{PoolSize: 2}),
		hub:      notify.NewHub(16),
		code:     &fakeWorker{},
		research: &fakeWorker{},
		bg:       &fakeWorker{},
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.registry.Close(ctx)
	})
	h.orch = New(Deps{
		Store:    h.store,
		Registry: h.registry,
		Workers:  capability.Set{Code: h.code, Research: h.research, Background: h.bg},
		Notifier: h.hub,
		Timeout:  timeout,
	})
	return h
}

func (h *harness) entry(userID, payload string) models.QueueEntry {
	h.seq++
	return models.QueueEntry{
		ID:         fmt.Sprintf("req-%d", h.seq),
		UserID:     userID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

// send mimics the dispatcher: Process, then Failed on error.
func (h *harness) send(t *testing.T, userID, payload string) error {
	t.Helper()
	e := h.entry(userID, payload)
	err := h.orch.Process(context.Background(), e)
	if err != nil {
		h.orch.Failed(context.Background(), e, err)
	}
	return err
}

func (h *harness) history(userID string) []models.Turn {
	sess, ok := h.store.Snapshot(userID)
	if !ok {
		return nil
	}
	return sess.History
}

func TestCodeDispatchAppendsOneReply(t *testing.T) {
	h := newHarness(t, time.Second)
	h.code.fn = reply("patched login.go")

	require.NoError(t, h.send(t, "u1", "fix the login bug"))

	require.Len(t, h.code.Calls(), 1)
	assert.Empty(t, h.research.Calls())
	hist := h.history("u1")
	require.Len(t, hist, 2)
	assert.Equal(t, models.RoleUser, hist[0].Role)
	assert.Equal(t, "fix the login bug", hist[0].Content)
	assert.Equal(t, models.RoleAssistant, hist[1].Role)
	assert.Equal(t, "patched login.go", hist[1].Content)
	assert.Equal(t, hist[0].RequestID, hist[1].RequestID)

	sess, _ := h.store.Snapshot("u1")
	assert.Nil(t, sess.Proposal)
}

func TestResearchThenApprove(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("Plan: wrap errors with context in the handlers.")
	h.code.fn = reply("applied the plan")

	require.NoError(t, h.send(t, "u1", "improve error handling"))
	sess, _ := h.store.Snapshot("u1")
	require.NotNil(t, sess.Proposal)
	assert.Equal(t, "Plan: wrap errors with context in the handlers.", sess.Proposal.Text)
	assert.NotEmpty(t, sess.Proposal.SourceRequestID)
	assert.Equal(t, sess.History[0].RequestID, sess.Proposal.SourceRequestID)
	assert.Empty(t, h.code.Calls())

	require.NoError(t, h.send(t, "u1", "looks good"))
	calls := h.code.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].prompt, "Plan: wrap errors")
	assert.Equal(t, "Plan: wrap errors with context in the handlers.", calls[0].slice.Proposal)

	sess, _ = h.store.Snapshot("u1")
	assert.Nil(t, sess.Proposal)
	assert.Len(t, sess.History, 4)
}

func TestRejectClearsProposalWithoutDispatch(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("Plan: rewrite the scheduler.")

	require.NoError(t, h.send(t, "u1", "propose a better scheduler"))
	require.NoError(t, h.send(t, "u1", "too much"))

	assert.Empty(t, h.code.Calls())
	assert.Len(t, h.research.Calls(), 1)
	sess, _ := h.store.Snapshot("u1")
	assert.Nil(t, sess.Proposal)
	require.Len(t, sess.History, 4)
	assert.Equal(t, models.RoleAssistant, sess.History[3].Role)
}

func TestRefineCarriesAdjustments(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("1. add retries 2. add logging")

	require.NoError(t, h.send(t, "u1", "suggest improvements for the client"))
	require.NoError(t, h.send(t, "u1", "yes but not the retry part"))

	calls := h.code.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].prompt, "1. add retries 2. add logging")
	assert.Contains(t, calls[0].prompt, "yes but not the retry part")
	sess, _ := h.store.Snapshot("u1")
	assert.Nil(t, sess.Proposal)
}

func TestUnrelatedReplyKeepsProposal(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("Plan: cache lookups.")

	require.NoError(t, h.send(t, "u1", "optimize the lookups"))
	require.NoError(t, h.send(t, "u1", "hello there"))

	sess, _ := h.store.Snapshot("u1")
	require.NotNil(t, sess.Proposal)
	assert.Equal(t, "Plan: cache lookups.", sess.Proposal.Text)
	assert.Empty(t, h.code.Calls())
	require.Len(t, sess.History, 4)
	assert.Equal(t, cannedReply, sess.History[3].Content)
}

func TestNewResearchReplacesProposal(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("first plan")
	require.NoError(t, h.send(t, "u1", "review the parser"))
	h.research.fn = reply("second plan")
	require.NoError(t, h.send(t, "u1", "audit the lexer"))

	sess, _ := h.store.Snapshot("u1")
	require.NotNil(t, sess.Proposal)
	assert.Equal(t, "second plan", sess.Proposal.Text)
}

func TestCodeFailureKeepsProposal(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("Plan: drop the legacy api.")
	h.code.fn = func(context.Context, string) (capability.Result, error) {
		return capability.Result{Success: false, Error: "tests failed"}, nil
	}

	require.NoError(t, h.send(t, "u1", "evaluate the legacy api"))
	err := h.send(t, "u1", "go ahead")

	var failure *capability.FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, capability.KindCode, failure.Kind)
	assert.Equal(t, "tests failed", failure.Message)

	sess, _ := h.store.Snapshot("u1")
	require.NotNil(t, sess.Proposal)
	last := sess.History[len(sess.History)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "tests failed")
}

func TestResearchFailureLeavesProposalUntouched(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("keep me")
	require.NoError(t, h.send(t, "u1", "review the cache"))

	h.research.fn = func(context.Context, string) (capability.Result, error) {
		return capability.Result{}, errors.New("provider unavailable")
	}
	err := h.send(t, "u1", "analyze the queue")
	var failure *capability.FailureError
	require.ErrorAs(t, err, &failure)

	sess, _ := h.store.Snapshot("u1")
	require.NotNil(t, sess.Proposal)
	assert.Equal(t, "keep me", sess.Proposal.Text)
}

func TestWorkerTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	h.code.fn = func(ctx context.Context, _ string) (capability.Result, error) {
		<-release
		return capability.Result{Success: true}, nil
	}

	start := time.Now()
	err := h.send(t, "u1", "fix the flaky test")
	require.ErrorIs(t, err, ErrWorkerTimeout)
	assert.Less(t, time.Since(start), time.Second)

	hist := h.history("u1")
	require.Len(t, hist, 2)
	assert.Contains(t, hist[1].Content, "did not finish")
	assert.Equal(t, 1, h.orch.Usage("u1").Timeouts)
}

func TestBackgroundDispatchAcknowledgesThenCompletes(t *testing.T) {
	h := newHarness(t, time.Second)
	release := make(chan struct{})
	h.bg.fn = func(ctx context.Context, prompt string) (capability.Result, error) {
		<-release
		return capability.Result{Text: "indexed 42 files", Success: true}, nil
	}
	_, replies, cancel := h.hub.Subscribe("u1")
	defer cancel()

	require.NoError(t, h.send(t, "u1", "/bg index the repository"))

	hist := h.history("u1")
	require.Len(t, hist, 2)
	assert.Contains(t, hist[1].Content, "Started background task")

	active := h.registry.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "index the repository", active[0].Description)
	assert.Equal(t, "u1", active[0].UserID)

	ack := <-replies
	assert.Equal(t, ReplyStarted, ack.Kind)
	assert.Equal(t, active[0].ID, ack.TaskID)

	close(release)
	require.Eventually(t, func() bool { return len(h.history("u1")) == 3 }, 2*time.Second, 5*time.Millisecond)
	hist = h.history("u1")
	assert.Contains(t, hist[2].Content, "indexed 42 files")
	assert.Equal(t, hist[0].RequestID, hist[2].RequestID)

	select {
	case done := <-replies:
		assert.Contains(t, done.Text, "indexed 42 files")
	case <-time.After(time.Second):
		t.Fatal("completion reply not delivered")
	}
	assert.Empty(t, h.code.Calls())
	assert.Equal(t, "index the repository", h.bg.Calls()[0].prompt)
}

func TestBackgroundFailureIsReported(t *testing.T) {
	h := newHarness(t, time.Second)
	h.bg.fn = func(context.Context, string) (capability.Result, error) {
		return capability.Result{Success: false, Error: "disk full"}, nil
	}

	require.NoError(t, h.send(t, "u1", "[background] export the dataset"))
	require.Eventually(t, func() bool { return len(h.history("u1")) == 3 }, 2*time.Second, 5*time.Millisecond)
	last := h.history("u1")[2]
	assert.Contains(t, last.Content, "failed")
	assert.Contains(t, last.Content, "disk full")
}

func TestResetCancelsBackgroundWork(t *testing.T) {
	h := newHarness(t, time.Second)
	h.bg.fn = func(ctx context.Context, _ string) (capability.Result, error) {
		<-ctx.Done()
		return capability.Result{}, ctx.Err()
	}
	h.research.fn = reply("a plan")

	require.NoError(t, h.send(t, "u1", "review the build"))
	require.NoError(t, h.send(t, "u1", "/bg crawl the docs"))
	require.Len(t, h.registry.ListActive(), 1)

	report := h.orch.Reset(context.Background(), "u1")
	assert.Equal(t, 1, report.CancelledTasks)
	assert.Empty(t, h.registry.ListActive())

	sess, _ := h.store.Snapshot("u1")
	assert.Empty(t, sess.History)
	assert.Nil(t, sess.Proposal)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.history("u1"), "cancelled task must not report back")
}

func TestContextSliceIsBounded(t *testing.T) {
	h := newHarness(t, time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.send(t, "u1", "hello "+strings.Repeat("x", 800)))
	}
	require.NoError(t, h.send(t, "u1", "fix the typo "+strings.Repeat("y", 800)))

	slice := h.code.Calls()[0].slice
	require.Len(t, slice.Turns, 2)
	for _, turn := range slice.Turns {
		assert.LessOrEqual(t, len([]rune(turn.Content)), 500)
	}
	assert.Equal(t, cannedReply, slice.Turns[0].Content)
	assert.True(t, slice.Turns[1].Truncated)
	assert.True(t, strings.HasPrefix(slice.Turns[1].Content, "fix the typo"))
}

func TestStatusAndWorkspace(t *testing.T) {
	h := newHarness(t, time.Second)
	h.research.fn = reply("plan")
	require.NoError(t, h.send(t, "u1", "review the api"))

	dir := t.TempDir()
	abs, err := h.orch.SetWorkspace("u1", dir)
	require.NoError(t, err)

	st := h.orch.Status("u1")
	assert.Equal(t, 2, st.Session.TurnCount)
	assert.True(t, st.Session.ProposalPending)
	assert.Equal(t, abs, st.Session.Workspace)
	require.NotNil(t, st.Proposal)
	assert.Empty(t, st.ActiveTasks)

	_, err = h.orch.SetWorkspace("u1", dir+"/missing")
	assert.Error(t, err)

	usage := h.orch.Usage("u1")
	assert.Equal(t, 1, usage.Messages)
	assert.Equal(t, 1, usage.Dispatches["research"])
}

func TestQueuedMessagesReachHistoryInAcceptedOrder(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	release := make(chan struct{})
	h.code.fn = func(_ context.Context, prompt string) (capability.Result, error) {
		<-release
		return capability.Result{Text: "done: " + prompt, Success: true}, nil
	}
	d := worker.NewDispatcher(h.orch, worker.Options{MaxDepth: 10, MinWorkers: 1, MaxWorkers: 4})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	var (
		acceptMu sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acceptMu.Lock()
			defer acceptMu.Unlock()
			msg := fmt.Sprintf("fix bug %02d", i)
			if _, err := d.Enqueue("u1", msg); err == nil {
				accepted = append(accepted, msg)
			} else if !errors.Is(err, worker.ErrQueueFull) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, accepted, 10)
	close(release)

	require.Eventually(t, func() bool {
		return len(h.history("u1")) == 20
	}, 3*time.Second, 10*time.Millisecond)

	var users []string
	for _, turn := range h.history("u1") {
		if turn.Role == models.RoleUser {
			users = append(users, turn.Content)
		}
	}
	assert.Equal(t, accepted, users)
}
