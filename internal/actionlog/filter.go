package actionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentrelay/internal/events"
)

// DefaultWindow is how far back the filter looks for a matching self action.
// Platforms normally deliver the echo webhook within seconds of the write.
const DefaultWindow = 5 * time.Minute

// Filter suppresses webhooks that merely echo the system's own writes
type Filter struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewFilter creates a self-action filter over the given store. A window of 0
// falls back to DefaultWindow.
func NewFilter(store Store, window time.Duration) *Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{store: store, window: window, now: time.Now}
}

// SetClock overrides the time source. Test use only.
func (f *Filter) SetClock(now func() time.Time) { f.now = now }

// Record logs a self action. Call this immediately before performing the
// external write, never after, so a racing echo webhook is reliably matched.
func (f *Filter) Record(ctx context.Context, kind ActionKind, repo, refID string) error {
	return f.store.Record(ctx, kind, repo, refID)
}

// IsSelfGenerated reports whether the event matches an action the system
// performed within the trailing window. Events whose kind the system never
// generates are never self-generated.
func (f *Filter) IsSelfGenerated(ctx context.Context, event events.Event) (bool, error) {
	kind, repo, refID, ok := selfActionKey(event)
	if !ok {
		return false, nil
	}

	since := f.now().Add(-f.window)
	found, err := f.store.Seen(ctx, kind, repo, refID, since)
	if err != nil {
		return false, fmt.Errorf("failed to check self-action filter: %w", err)
	}
	if found {
		log.Debug().
			Str("action_kind", string(kind)).
			Str("repo", repo).
			Str("ref_id", refID).
			Msg("Suppressing self-generated webhook")
	}
	return found, nil
}

// selfActionKey maps a mutation-completion event onto the (kind, repo, ref)
// key the system logged before performing the equivalent write. Comment
// echoes key on the parent issue/PR number because the comment's own ID is
// unknown at record time.
func selfActionKey(event events.Event) (ActionKind, string, string, bool) {
	switch e := event.(type) {
	case *events.IssueEvent:
		if e.Action != "opened" {
			return "", "", "", false
		}
		return ActionCreateIssue, e.Repository.FullName, fmt.Sprintf("%d", e.Issue.Number), true
	case *events.PullRequestEvent:
		if e.Action != "opened" {
			return "", "", "", false
		}
		return ActionCreatePR, e.Repository.FullName, fmt.Sprintf("%d", e.PullRequest.Number), true
	case *events.IssueCommentEvent:
		if e.Action != "created" {
			return "", "", "", false
		}
		return ActionCreateComment, e.Repository.FullName, fmt.Sprintf("%d", e.Issue.Number), true
	case *events.ReviewCommentEvent:
		if e.Action != "created" {
			return "", "", "", false
		}
		return ActionCreateComment, e.Repository.FullName, fmt.Sprintf("%d", e.PullRequest.Number), true
	case *events.PushEvent:
		return ActionPushBranch, e.Repository.FullName, e.Branch(), true
	default:
		return "", "", "", false
	}
}
