package actionlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/internal/events"
)

func prOpened(repo string, number int) *events.PullRequestEvent {
	return &events.PullRequestEvent{
		Action: "opened",
		PullRequest: events.GitHubPullRequest{
			Number: number,
			User:   events.GitHubUser{Login: "agentrelay-bot"},
		},
		Repository: events.GitHubRepository{FullName: repo},
	}
}

func TestSuppressionWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	store.SetClock(func() time.Time { return base })

	filter := NewFilter(store, 5*time.Minute)

	require.NoError(t, filter.Record(ctx, ActionCreatePR, "acme/app", "42"))

	t.Run("suppressed inside window", func(t *testing.T) {
		filter.SetClock(func() time.Time { return base.Add(time.Minute) })
		self, err := filter.IsSelfGenerated(ctx, prOpened("acme/app", 42))
		require.NoError(t, err)
		assert.True(t, self)
	})

	t.Run("not suppressed outside window", func(t *testing.T) {
		filter.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
		self, err := filter.IsSelfGenerated(ctx, prOpened("acme/app", 42))
		require.NoError(t, err)
		assert.False(t, self)
	})

	t.Run("different ref never suppressed", func(t *testing.T) {
		filter.SetClock(func() time.Time { return base.Add(time.Minute) })
		self, err := filter.IsSelfGenerated(ctx, prOpened("acme/app", 43))
		require.NoError(t, err)
		assert.False(t, self)
	})

	t.Run("different repo never suppressed", func(t *testing.T) {
		filter.SetClock(func() time.Time { return base.Add(time.Minute) })
		self, err := filter.IsSelfGenerated(ctx, prOpened("acme/other", 42))
		require.NoError(t, err)
		assert.False(t, self)
	})
}

func TestSelfActionKeys(t *testing.T) {
	t.Run("issue comment keys on parent issue", func(t *testing.T) {
		kind, repo, refID, ok := selfActionKey(&events.IssueCommentEvent{
			Action:     "created",
			Issue:      events.GitHubIssue{Number: 9},
			Repository: events.GitHubRepository{FullName: "acme/app"},
		})
		require.True(t, ok)
		assert.Equal(t, ActionCreateComment, kind)
		assert.Equal(t, "acme/app", repo)
		assert.Equal(t, "9", refID)
	})

	t.Run("push keys on branch", func(t *testing.T) {
		kind, _, refID, ok := selfActionKey(&events.PushEvent{
			Ref:        "refs/heads/fix/crash",
			Repository: events.GitHubRepository{FullName: "acme/app"},
		})
		require.True(t, ok)
		assert.Equal(t, ActionPushBranch, kind)
		assert.Equal(t, "fix/crash", refID)
	})

	t.Run("edited issue is not a mutation completion", func(t *testing.T) {
		_, _, _, ok := selfActionKey(&events.IssueEvent{Action: "edited"})
		assert.False(t, ok)
	})

	t.Run("workflow run has no self key", func(t *testing.T) {
		_, _, _, ok := selfActionKey(&events.WorkflowRunEvent{Action: "completed"})
		assert.False(t, ok)
	})
}

func TestMemoryStorePurge(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	store.SetClock(func() time.Time { return base })
	require.NoError(t, store.Record(ctx, ActionCreateIssue, "acme/app", "1"))

	store.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	require.NoError(t, store.Record(ctx, ActionCreateIssue, "acme/app", "2"))

	purged, err := store.Purge(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	seen, err := store.Seen(ctx, ActionCreateIssue, "acme/app", "2", base)
	require.NoError(t, err)
	assert.True(t, seen)
}
