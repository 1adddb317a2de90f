package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/store"
)

func newFixture(t *testing.T) (*Resolver, store.Store) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem), mem
}

func createThreaded(t *testing.T, s store.Store, repo string, kind events.RefKind, number int, tags []string) (*store.Conversation, *store.Thread) {
	t.Helper()
	ctx := context.Background()

	conv := &store.Conversation{Channel: "github", Topic: "existing", Status: store.ConversationActive, Tags: tags, Repo: repo}
	_, err := s.CreateConversation(ctx, conv)
	require.NoError(t, err)

	thread := &store.Thread{ConversationID: &conv.ID, Status: store.ThreadActive, Topic: "existing"}
	_, err = s.CreateThread(ctx, thread)
	require.NoError(t, err)

	_, err = s.AddRef(ctx, &store.ThreadRef{ThreadID: thread.ID, Kind: kind, Repo: repo, Number: number, Status: store.RefOpen})
	require.NoError(t, err)

	return conv, thread
}

func TestRefPrecedenceOverTags(t *testing.T) {
	ctx := context.Background()
	r, s := newFixture(t)

	// Thread A holds the structured ref
	_, threadA := createThreaded(t, s, "acme/app", events.RefIssue, 7, nil)

	// Conversation B is a stale legacy conversation carrying only tags
	convB := &store.Conversation{Channel: "github", Topic: "legacy", Status: store.ConversationActive, Tags: []string{"acme/app#7", "acme/app"}}
	_, err := s.CreateConversation(ctx, convB)
	require.NoError(t, err)

	res, err := r.Resolve(ctx,
		[]events.Ref{{Repo: "acme/app", Kind: events.RefIssue, Number: 7}},
		[]string{"acme/app#7", "acme/app"})
	require.NoError(t, err)
	require.NotNil(t, res.Thread)
	assert.Equal(t, threadA.ID, res.Thread.ID)
}

func TestTagFallback(t *testing.T) {
	ctx := context.Background()
	r, s := newFixture(t)

	t.Run("specific tag beats repo tag", func(t *testing.T) {
		genericConv := &store.Conversation{Channel: "github", Topic: "repo-wide", Status: store.ConversationActive, Tags: []string{"acme/app"}}
		_, err := s.CreateConversation(ctx, genericConv)
		require.NoError(t, err)

		_, specificThread := createThreaded(t, s, "acme/app", events.RefPR, 12, []string{"pr#12", "acme/app"})

		res, err := r.Resolve(ctx, nil, []string{"acme/app", "pr#12"})
		require.NoError(t, err)
		require.NotNil(t, res.Thread)
		assert.Equal(t, specificThread.ID, res.Thread.ID)
	})

	t.Run("no match returns ErrNotFound", func(t *testing.T) {
		_, err := r.Resolve(ctx, nil, []string{"acme/elsewhere"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestStoppedConversationNotResolved(t *testing.T) {
	ctx := context.Background()
	r, s := newFixture(t)

	conv, _ := createThreaded(t, s, "acme/app", events.RefPR, 5, []string{"pr#5"})
	require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, store.ConversationStopped))

	_, err := r.Resolve(ctx,
		[]events.Ref{{Repo: "acme/app", Kind: events.RefPR, Number: 5}},
		[]string{"pr#5"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDuplicateRefSkipsDeadThread(t *testing.T) {
	ctx := context.Background()
	r, s := newFixture(t)

	// The first thread for the PR was stopped; a later delivery created a
	// duplicate ref on a fresh conversation.
	deadConv, _ := createThreaded(t, s, "acme/app", events.RefPR, 9, []string{"pr#9"})
	require.NoError(t, s.UpdateConversationStatus(ctx, deadConv.ID, store.ConversationStopped))

	_, liveThread := createThreaded(t, s, "acme/app", events.RefPR, 9, []string{"pr#9"})

	res, err := r.Resolve(ctx,
		[]events.Ref{{Repo: "acme/app", Kind: events.RefPR, Number: 9}},
		nil)
	require.NoError(t, err)
	require.NotNil(t, res.Thread)
	assert.Equal(t, liveThread.ID, res.Thread.ID)
}

func TestFindOrCreate(t *testing.T) {
	ctx := context.Background()
	r, _ := newFixture(t)

	refs := []events.Ref{{Repo: "acme/app", Kind: events.RefIssue, Number: 11}}
	spec := CreateSpec{
		Qualifies: true,
		Topic:     "acme/app#11: flaky test",
		Channel:   "github",
		Repo:      "acme/app",
		Tags:      []string{"acme/app#11", "acme/app"},
	}

	first, err := r.FindOrCreate(ctx, refs, spec.Tags, spec)
	require.NoError(t, err)
	require.NotNil(t, first.Thread)
	assert.Equal(t, store.ConversationPaused, first.Conversation.Status)
	assert.Equal(t, store.ThreadActive, first.Thread.Status)

	t.Run("idempotent replay finds the first thread", func(t *testing.T) {
		second, err := r.FindOrCreate(ctx, refs, spec.Tags, spec)
		require.NoError(t, err)
		assert.Equal(t, first.Thread.ID, second.Thread.ID)
		assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	})

	t.Run("non-qualifying miss returns ErrNotFound", func(t *testing.T) {
		_, err := r.FindOrCreate(ctx,
			[]events.Ref{{Repo: "acme/app", Kind: events.RefIssue, Number: 99}},
			nil, CreateSpec{Qualifies: false})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
