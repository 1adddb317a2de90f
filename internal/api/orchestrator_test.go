package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/internal/actionlog"
	"github.com/agentrelay/internal/enforcer"
	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/hosting"
	"github.com/agentrelay/internal/notify"
	"github.com/agentrelay/internal/remediation"
	"github.com/agentrelay/internal/resolver"
	"github.com/agentrelay/internal/store"
	"github.com/agentrelay/internal/worker"
)

const testBot = "agentrelay-bot"

type fakeWorker struct {
	invocations []worker.Invocation
}

func (f *fakeWorker) Invoke(ctx context.Context, inv worker.Invocation) (*worker.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.invocations = append(f.invocations, inv)
	return &worker.Result{Text: "on it", SessionID: "sess-1"}, nil
}

type fakeHosting struct {
	hosting.Client
}

// captureSender is written from detached notification goroutines
type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) Send(_ context.Context, _, markdown string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, markdown)
	return nil
}

func (c *captureSender) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type pipeline struct {
	orchestrator *Orchestrator
	store        store.Store
	filter       *actionlog.Filter
	worker       *fakeWorker
	sender       *captureSender
	notifier     *notify.BestEffort
	registry     *worker.Registry
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	mem := store.NewMemory()
	threads := store.NewService(mem, 0)
	res := resolver.New(mem)
	filter := actionlog.NewFilter(actionlog.NewMemoryStore(), 0)
	w := &fakeWorker{}
	sender := &captureSender{}
	notifier := notify.NewBestEffort(sender, "ops")
	registry := worker.NewRegistry()

	supervisor := remediation.NewSupervisor(
		remediation.NewAttemptCounters(), &fakeHosting{}, res, threads, w, registry, notifier, testBot, 3)
	enf := enforcer.New(enforcer.NewMemoryTaskContexts(), enforcer.NewGitInspector(), 2)

	return &pipeline{
		orchestrator: NewOrchestrator(filter, res, threads, supervisor, enf, notifier, w, registry, testBot, 0),
		store:        mem,
		filter:       filter,
		worker:       w,
		sender:       sender,
		notifier:     notifier,
		registry:     registry,
	}
}

func issueOpened(number int, body string) *events.IssueEvent {
	return &events.IssueEvent{
		Action: "opened",
		Issue: events.GitHubIssue{
			Number: number,
			Title:  "something broke",
			Body:   body,
			User:   events.GitHubUser{Login: "alice"},
		},
		Repository: events.GitHubRepository{FullName: "acme/app"},
		Sender:     events.GitHubUser{Login: "alice"},
	}
}

func issueComment(number int, body string) *events.IssueCommentEvent {
	return &events.IssueCommentEvent{
		Action:     "created",
		Issue:      events.GitHubIssue{Number: number, Title: "something broke"},
		Comment:    events.GitHubComment{Body: body, User: events.GitHubUser{Login: "alice"}},
		Repository: events.GitHubRepository{FullName: "acme/app"},
	}
}

func TestOpenedEventCreatesThreadWithoutInvocation(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	outcome, err := p.orchestrator.ProcessEvent(ctx, issueOpened(7, "plain report, no mention"))
	require.NoError(t, err)
	assert.Equal(t, "recorded", outcome.Status)
	require.NotZero(t, outcome.ThreadID)

	history, err := p.store.ListEvents(ctx, outcome.ThreadID, false)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Empty(t, p.worker.invocations)
}

func TestMentionTriggersWorker(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	outcome, err := p.orchestrator.ProcessEvent(ctx, issueOpened(7, "hey @"+testBot+" please fix"))
	require.NoError(t, err)
	assert.Equal(t, "processed", outcome.Status)

	require.Len(t, p.worker.invocations, 1)
	require.Len(t, p.worker.invocations[0].Messages, 1)
	assert.Equal(t, worker.RoleUser, p.worker.invocations[0].Messages[0].Role)

	history, err := p.store.ListEvents(ctx, outcome.ThreadID, false)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "agent_response", history[1].MessageKind)

	// session handle persisted for continuation
	conv, err := p.store.FindConversationsByTag(ctx, "acme/app#7")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, "sess-1", conv[0].SessionID)

	// digest goes out on a detached goroutine; flush before asserting
	p.notifier.Wait()
	sent := p.sender.messages()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], "on it")
}

func TestSelfGeneratedSuppression(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	t.Run("own comment echo is dropped", func(t *testing.T) {
		require.NoError(t, p.filter.Record(ctx, actionlog.ActionCreateComment, "acme/app", "7"))
		outcome, err := p.orchestrator.ProcessEvent(ctx, issueComment(7, "@"+testBot+" self echo"))
		require.NoError(t, err)
		assert.Equal(t, "suppressed", outcome.Status)
		assert.Empty(t, p.worker.invocations)
	})

	t.Run("own opened issue still creates the thread", func(t *testing.T) {
		require.NoError(t, p.filter.Record(ctx, actionlog.ActionCreateIssue, "acme/app", "8"))
		outcome, err := p.orchestrator.ProcessEvent(ctx, issueOpened(8, "@"+testBot+" tracking issue"))
		require.NoError(t, err)

		// bookkeeping happened, automation did not
		assert.Equal(t, "recorded", outcome.Status)
		require.NotZero(t, outcome.ThreadID)
		assert.Empty(t, p.worker.invocations)
	})
}

func TestUntrackedNonQualifyingEventSkipped(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	// comment without mention on an untracked issue
	outcome, err := p.orchestrator.ProcessEvent(ctx, issueComment(42, "drive-by remark"))
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome.Status)
}

func TestMentionOnUntrackedItemAutoCreates(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	outcome, err := p.orchestrator.ProcessEvent(ctx, issueComment(42, "@"+testBot+" take a look"))
	require.NoError(t, err)
	assert.Equal(t, "processed", outcome.Status)
	assert.Len(t, p.worker.invocations, 1)
}

func TestIdenticalDeliveryReplay(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	first, err := p.orchestrator.ProcessEvent(ctx, issueOpened(11, "report"))
	require.NoError(t, err)
	second, err := p.orchestrator.ProcessEvent(ctx, issueOpened(11, "report"))
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)

	convs, err := p.store.FindConversationsByTag(ctx, "acme/app#11")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestAutoCloseOnTerminalEvents(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	opened, err := p.orchestrator.ProcessEvent(ctx, issueOpened(9, "report"))
	require.NoError(t, err)

	closed := issueOpened(9, "report")
	closed.Action = "closed"
	outcome, err := p.orchestrator.ProcessEvent(ctx, closed)
	require.NoError(t, err)
	assert.Equal(t, "closed", outcome.Status)
	assert.Equal(t, opened.ThreadID, outcome.ThreadID)

	thread, err := p.store.GetThread(ctx, opened.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, store.ThreadStopped, thread.Status)

	refs, err := p.store.ListRefs(ctx, opened.ThreadID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, store.RefClosed, refs[0].Status)

	t.Run("merged PR marks ref merged", func(t *testing.T) {
		pr := &events.PullRequestEvent{
			Action:      "opened",
			PullRequest: events.GitHubPullRequest{Number: 21, Title: "fix", User: events.GitHubUser{Login: "alice"}},
			Repository:  events.GitHubRepository{FullName: "acme/app"},
		}
		openedPR, err := p.orchestrator.ProcessEvent(ctx, pr)
		require.NoError(t, err)

		merged := &events.PullRequestEvent{
			Action:      "closed",
			PullRequest: events.GitHubPullRequest{Number: 21, Merged: true},
			Repository:  events.GitHubRepository{FullName: "acme/app"},
		}
		_, err = p.orchestrator.ProcessEvent(ctx, merged)
		require.NoError(t, err)

		refs, err := p.store.ListRefs(ctx, openedPR.ThreadID)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, store.RefMerged, refs[0].Status)
	})
}

func TestWorkflowRunRoutedToSupervisor(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	outcome, err := p.orchestrator.ProcessEvent(ctx, &events.WorkflowRunEvent{
		Action:      "completed",
		WorkflowRun: events.GitHubWorkflowRun{ID: 1, Conclusion: "success"},
		Repository:  events.GitHubRepository{FullName: "acme/app"},
	})
	require.NoError(t, err)
	assert.Equal(t, "processed", outcome.Status)
}

func TestStopConversation(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	opened, err := p.orchestrator.ProcessEvent(ctx, issueOpened(13, "report"))
	require.NoError(t, err)

	thread, err := p.store.GetThread(ctx, opened.ThreadID)
	require.NoError(t, err)

	cancelled, err := p.orchestrator.StopConversation(ctx, *thread.ConversationID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	conv, err := p.store.GetConversation(ctx, *thread.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStopped, conv.Status)

	// a stopped conversation no longer resolves, so replays skip it
	outcome, err := p.orchestrator.ProcessEvent(ctx, issueComment(13, "ping"))
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome.Status)
}

func TestEventHelpers(t *testing.T) {
	t.Run("topic synthesis", func(t *testing.T) {
		topic := eventTopic(issueOpened(7, "x"))
		assert.Equal(t, "acme/app#7: something broke", topic)
	})

	t.Run("repo extraction from refs", func(t *testing.T) {
		assert.Equal(t, "acme/app", eventRepo(issueOpened(7, "x")))
	})

	t.Run("truncate", func(t *testing.T) {
		long := ""
		for i := 0; i < 50; i++ {
			long += fmt.Sprintf("%d", i)
		}
		assert.LessOrEqual(t, len(truncate(long, 20)), 24)
		assert.Equal(t, "short", truncate("short", 20))
	})

	t.Run("truncate keeps multi-byte runes whole", func(t *testing.T) {
		s := "résumé für Müller"
		for max := 1; max < len(s); max++ {
			cut := truncate(s, max)
			assert.True(t, utf8.ValidString(cut), "max=%d produced invalid UTF-8: %q", max, cut)
		}
	})
}
