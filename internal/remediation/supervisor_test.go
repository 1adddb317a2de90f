package remediation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/hosting"
	"github.com/agentrelay/internal/notify"
	"github.com/agentrelay/internal/resolver"
	"github.com/agentrelay/internal/store"
	"github.com/agentrelay/internal/worker"
)

type fakeHosting struct {
	hosting.Client
	prs map[int]*hosting.PullRequest
}

func (f *fakeHosting) GetPullRequest(_ context.Context, _, _ string, number int) (*hosting.PullRequest, error) {
	pr, ok := f.prs[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	return pr, nil
}

func (f *fakeHosting) FetchRunLogs(context.Context, string, string, int64) (string, error) {
	return "FAIL: TestSomething", nil
}

func (f *fakeHosting) FindPullRequestByBranch(_ context.Context, _, _, branch string) (*hosting.PullRequest, error) {
	for _, pr := range f.prs {
		if pr.HeadBranch == branch {
			return pr, nil
		}
	}
	return nil, nil
}

type fakeWorker struct {
	invocations int
}

func (f *fakeWorker) Invoke(_ context.Context, inv worker.Invocation) (*worker.Result, error) {
	f.invocations++
	return &worker.Result{Text: "pushed a fix", SessionID: "sess-1"}, nil
}

// blockingWorker holds an invocation open until its context is cancelled
type blockingWorker struct {
	started chan struct{}
}

func (b *blockingWorker) Invoke(ctx context.Context, _ worker.Invocation) (*worker.Result, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

type captureSender struct {
	sent []string
}

func (c *captureSender) Send(_ context.Context, _, markdown string) error {
	c.sent = append(c.sent, markdown)
	return nil
}

func failureEvent(prNumber int) *events.WorkflowRunEvent {
	return &events.WorkflowRunEvent{
		Action: "completed",
		WorkflowRun: events.GitHubWorkflowRun{
			ID:           501,
			Name:         "ci",
			HeadBranch:   "agent/fix",
			Conclusion:   "failure",
			PullRequests: []events.GitHubRunPRRef{{Number: prNumber}},
		},
		Repository: events.GitHubRepository{FullName: "acme/app"},
	}
}

func successEvent(prNumber int) *events.WorkflowRunEvent {
	ev := failureEvent(prNumber)
	ev.WorkflowRun.Conclusion = "success"
	return ev
}

func newSupervisorFixture(t *testing.T) (*Supervisor, *fakeWorker, *captureSender, *fakeHosting) {
	t.Helper()
	mem := store.NewMemory()
	threads := store.NewService(mem, 0)
	res := resolver.New(mem)
	w := &fakeWorker{}
	sender := &captureSender{}
	gh := &fakeHosting{prs: map[int]*hosting.PullRequest{
		9: {Number: 9, Title: "Fix crash", State: "open", HeadBranch: "agent/fix", AuthorLogin: "agentrelay-bot"},
	}}
	sup := NewSupervisor(NewAttemptCounters(), gh, res, threads, w, worker.NewRegistry(),
		notify.NewBestEffort(sender, "ops"), "agentrelay-bot", 3)
	return sup, w, sender, gh
}

func TestBoundedRetries(t *testing.T) {
	ctx := context.Background()
	sup, w, sender, _ := newSupervisorFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, sup.HandleRunCompleted(ctx, failureEvent(9)))
	}
	assert.Equal(t, 3, w.invocations)
	assert.Empty(t, sender.sent)

	// fourth failure: no invocation, exactly one gave-up notification
	require.NoError(t, sup.HandleRunCompleted(ctx, failureEvent(9)))
	assert.Equal(t, 3, w.invocations)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "Giving up")

	// fifth failure stays silent
	require.NoError(t, sup.HandleRunCompleted(ctx, failureEvent(9)))
	assert.Equal(t, 3, w.invocations)
	assert.Len(t, sender.sent, 1)

	// success resets the budget; a new failure remediates again
	require.NoError(t, sup.HandleRunCompleted(ctx, successEvent(9)))
	require.NoError(t, sup.HandleRunCompleted(ctx, failureEvent(9)))
	assert.Equal(t, 4, w.invocations)
}

func TestOnlyBotPRsRemediated(t *testing.T) {
	ctx := context.Background()
	sup, w, sender, gh := newSupervisorFixture(t)
	gh.prs[10] = &hosting.PullRequest{Number: 10, Title: "Human work", State: "open", HeadBranch: "feat/x", AuthorLogin: "carol"}

	require.NoError(t, sup.HandleRunCompleted(ctx, failureEvent(10)))
	assert.Zero(t, w.invocations)
	assert.Empty(t, sender.sent)
}

func TestNonTerminalConclusionsIgnored(t *testing.T) {
	ctx := context.Background()
	sup, w, _, _ := newSupervisorFixture(t)

	ev := failureEvent(9)
	ev.WorkflowRun.Conclusion = "cancelled"
	require.NoError(t, sup.HandleRunCompleted(ctx, ev))

	ev = failureEvent(9)
	ev.Action = "requested"
	require.NoError(t, sup.HandleRunCompleted(ctx, ev))

	assert.Zero(t, w.invocations)
}

func TestBranchFallbackWhenPayloadOmitsPRs(t *testing.T) {
	ctx := context.Background()
	sup, w, _, _ := newSupervisorFixture(t)

	ev := failureEvent(9)
	ev.WorkflowRun.PullRequests = nil
	require.NoError(t, sup.HandleRunCompleted(ctx, ev))
	assert.Equal(t, 1, w.invocations)
}

func TestRemediationRecordsThreadHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	threads := store.NewService(mem, 0)
	res := resolver.New(mem)
	w := &fakeWorker{}
	sender := &captureSender{}
	gh := &fakeHosting{prs: map[int]*hosting.PullRequest{
		9: {Number: 9, Title: "Fix crash", State: "open", HeadBranch: "agent/fix", AuthorLogin: "agentrelay-bot"},
	}}
	sup := NewSupervisor(NewAttemptCounters(), gh, res, threads, w, worker.NewRegistry(),
		notify.NewBestEffort(sender, "ops"), "agentrelay-bot", 3)

	require.NoError(t, sup.HandleRunCompleted(ctx, failureEvent(9)))

	found, err := res.Resolve(ctx,
		[]events.Ref{{Repo: "acme/app", Kind: events.RefPR, Number: 9}}, nil)
	require.NoError(t, err)
	require.NotNil(t, found.Thread)

	history, err := mem.ListEvents(ctx, found.Thread.ID, false)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ci_failure", history[0].MessageKind)
	assert.True(t, strings.Contains(history[0].Content, "FAIL: TestSomething"))
	assert.Equal(t, "agent_response", history[1].MessageKind)

	conv, err := mem.GetConversation(ctx, found.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", conv.SessionID)
}

func TestStopCancelsRemediationTurn(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	threads := store.NewService(mem, 0)
	res := resolver.New(mem)
	w := &blockingWorker{started: make(chan struct{})}
	sender := &captureSender{}
	registry := worker.NewRegistry()
	gh := &fakeHosting{prs: map[int]*hosting.PullRequest{
		9: {Number: 9, Title: "Fix crash", State: "open", HeadBranch: "agent/fix", AuthorLogin: "agentrelay-bot"},
	}}
	sup := NewSupervisor(NewAttemptCounters(), gh, res, threads, w, registry,
		notify.NewBestEffort(sender, "ops"), "agentrelay-bot", 3)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.HandleRunCompleted(ctx, failureEvent(9))
	}()

	// once the worker is running, its handle must be visible to the stop path
	<-w.started
	assert.Equal(t, 1, registry.Running())
	require.True(t, registry.Cancel(1))
	require.NoError(t, <-errCh)

	// a user-requested stop is not a remediation failure
	assert.Empty(t, sender.sent)

	found, err := res.Resolve(ctx,
		[]events.Ref{{Repo: "acme/app", Kind: events.RefPR, Number: 9}}, nil)
	require.NoError(t, err)
	history, err := mem.ListEvents(ctx, found.Thread.ID, false)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "stopped", last.MessageKind)
	assert.Equal(t, "Stopped by user.", last.Content)
}

func TestAttemptCounters(t *testing.T) {
	c := NewAttemptCounters()
	assert.Equal(t, 0, c.Get("acme/app", 1))
	assert.Equal(t, 1, c.Increment("acme/app", 1))
	assert.Equal(t, 2, c.Increment("acme/app", 1))
	assert.Equal(t, 1, c.Increment("acme/app", 2))
	c.Reset("acme/app", 1)
	assert.Equal(t, 0, c.Get("acme/app", 1))
	assert.Equal(t, 1, c.Get("acme/app", 2))
}
