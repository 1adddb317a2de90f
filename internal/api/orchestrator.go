package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentrelay/internal/actionlog"
	"github.com/agentrelay/internal/enforcer"
	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/notify"
	"github.com/agentrelay/internal/remediation"
	"github.com/agentrelay/internal/resolver"
	"github.com/agentrelay/internal/store"
	"github.com/agentrelay/internal/worker"
)

// Outcome reports what processing did with a delivery
type Outcome struct {
	Status   string `json:"status"`
	ThreadID int64  `json:"thread_id,omitempty"`
}

var (
	outcomeSkipped = &Outcome{Status: "skipped"}
	outcomeDropped = &Outcome{Status: "suppressed"}
)

// Orchestrator wires the processing pipeline: self-action filter, thread
// resolution, event persistence, agent invocation, completion enforcement,
// and best-effort notification, in that order.
type Orchestrator struct {
	filter     *actionlog.Filter
	resolver   *resolver.Resolver
	threads    *store.Service
	supervisor *remediation.Supervisor
	enforcer   *enforcer.Enforcer
	notifier   *notify.BestEffort
	worker     worker.Worker
	registry   *worker.Registry
	botLogin   string
	keepRecent int
}

// NewOrchestrator assembles the pipeline from its collaborators
func NewOrchestrator(filter *actionlog.Filter, res *resolver.Resolver, threads *store.Service, supervisor *remediation.Supervisor, enf *enforcer.Enforcer, notifier *notify.BestEffort, w worker.Worker, registry *worker.Registry, botLogin string, keepRecent int) *Orchestrator {
	if keepRecent <= 0 {
		keepRecent = store.DefaultKeepRecent
	}
	return &Orchestrator{
		filter:     filter,
		resolver:   res,
		threads:    threads,
		supervisor: supervisor,
		enforcer:   enf,
		notifier:   notifier,
		worker:     w,
		registry:   registry,
		botLogin:   botLogin,
		keepRecent: keepRecent,
	}
}

// ProcessEvent runs one normalized delivery through the pipeline
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev events.Event) (*Outcome, error) {
	switch e := ev.(type) {
	case *events.WorkflowRunEvent:
		if err := o.supervisor.HandleRunCompleted(ctx, e); err != nil {
			return nil, err
		}
		return &Outcome{Status: "processed"}, nil
	case *events.WorkflowJobEvent:
		// job-level granularity is handled at run level
		return outcomeSkipped, nil
	}

	selfGenerated, err := o.filter.IsSelfGenerated(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("self-action check failed: %w", err)
	}
	// opened events still pass through to thread creation so later
	// mentions on the item have somewhere to land; everything else that
	// echoes our own writes is dropped outright
	if selfGenerated && !isOpenedEvent(ev) {
		log.Debug().Str("kind", ev.Kind()).Msg("Suppressing self-generated delivery")
		return outcomeDropped, nil
	}

	if closed, outcome, err := o.handleClosed(ctx, ev); closed {
		return outcome, err
	}

	res, err := o.resolveDelivery(ctx, ev, selfGenerated)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// untracked item that doesn't qualify for auto-create
			return outcomeSkipped, nil
		}
		return nil, err
	}
	if res.Thread == nil {
		log.Debug().Int64("conversation", res.Conversation.ID).Msg("Legacy conversation without thread, recording only")
		return &Outcome{Status: "recorded"}, nil
	}

	actor, body := eventActorBody(ev)
	if _, err := o.threads.Append(ctx, &store.ThreadEvent{
		ThreadID:    res.Thread.ID,
		Channel:     "github",
		Direction:   store.DirectionInbound,
		Actor:       actor,
		Content:     body,
		MessageKind: ev.Kind(),
	}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	o.maybeCompact(ctx, res.Thread.ID)

	outcome := &Outcome{Status: "recorded", ThreadID: res.Thread.ID}
	if selfGenerated {
		// bookkeeping side only; never react to our own creations
		return outcome, nil
	}

	if !events.ContainsMention(body, o.botLogin) {
		return outcome, nil
	}

	result, err := o.invokeWorker(ctx, res)
	if err != nil {
		o.notifier.NotifyAsync(fmt.Sprintf("Agent invocation failed for thread %d: %v", res.Thread.ID, err))
		return outcome, nil
	}
	outcome.Status = "processed"

	o.enforce(ctx, res)

	if result != nil && result.Text != "" {
		// detached send; the webhook ack never waits on the chat backend
		o.notifier.NotifyAsync(fmt.Sprintf("Agent replied in thread %d (%s): %s",
			res.Thread.ID, res.Conversation.Topic, truncate(result.Text, 400)))
	}
	return outcome, nil
}

// handleClosed applies the auto-close rule for issue/PR terminal events
func (o *Orchestrator) handleClosed(ctx context.Context, ev events.Event) (bool, *Outcome, error) {
	var (
		ref    events.Ref
		status store.RefStatus
	)
	switch e := ev.(type) {
	case *events.IssueEvent:
		if e.Action != "closed" {
			return false, nil, nil
		}
		ref = events.Ref{Repo: e.Repository.FullName, Kind: events.RefIssue, Number: e.Issue.Number}
		status = store.RefClosed
	case *events.PullRequestEvent:
		if e.Action != "closed" {
			return false, nil, nil
		}
		ref = events.Ref{Repo: e.Repository.FullName, Kind: events.RefPR, Number: e.PullRequest.Number}
		status = store.RefClosed
		if e.PullRequest.Merged {
			status = store.RefMerged
		}
	default:
		return false, nil, nil
	}

	// ref bookkeeping is best-effort; the sender only needs an ack
	if err := o.threads.Store().UpdateRefStatus(ctx, ref.Repo, ref.Kind, ref.Number, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("repo", ref.Repo).Int("number", ref.Number).Msg("Ref status update failed")
	}

	res, err := o.resolver.Resolve(ctx, []events.Ref{ref}, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, outcomeSkipped, nil
		}
		return true, nil, err
	}
	if res.Thread == nil {
		return true, outcomeSkipped, nil
	}
	if err := o.threads.AutoClose(ctx, res.Thread.ID); err != nil {
		return true, nil, fmt.Errorf("failed to auto-close thread: %w", err)
	}
	log.Info().Int64("thread", res.Thread.ID).Str("repo", ref.Repo).Int("number", ref.Number).
		Msg("Thread auto-closed on terminal ref event")
	return true, &Outcome{Status: "closed", ThreadID: res.Thread.ID}, nil
}

func (o *Orchestrator) resolveDelivery(ctx context.Context, ev events.Event, selfGenerated bool) (*resolver.Resolution, error) {
	refs := ev.Refs()
	tags := ev.Tags()

	_, body := eventActorBody(ev)
	qualifies := isOpenedEvent(ev) || (!selfGenerated && events.ContainsMention(body, o.botLogin))

	return o.resolver.FindOrCreate(ctx, refs, tags, resolver.CreateSpec{
		Qualifies: qualifies,
		Topic:     eventTopic(ev),
		Channel:   "github",
		Repo:      eventRepo(ev),
		URL:       eventURL(ev),
		Tags:      tags,
	})
}

// invokeWorker runs one cancellable agent turn over the thread's live
// history and persists both sides of the exchange.
func (o *Orchestrator) invokeWorker(ctx context.Context, res *resolver.Resolution) (*worker.Result, error) {
	history, err := o.threads.Store().ListEvents(ctx, res.Thread.ID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}

	runCtx, done := o.registry.Begin(ctx, res.Conversation.ID)
	defer done()

	result, err := o.worker.Invoke(runCtx, worker.Invocation{
		Messages:  historyToMessages(history),
		SessionID: res.Conversation.SessionID,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil {
			// cancelled through the registry, not by the caller
			if _, appendErr := o.threads.Append(ctx, &store.ThreadEvent{
				ThreadID:    res.Thread.ID,
				Channel:     "github",
				Direction:   store.DirectionOutbound,
				Actor:       o.botLogin,
				Content:     "Stopped by user.",
				MessageKind: "stopped",
			}); appendErr != nil {
				log.Error().Err(appendErr).Int64("thread", res.Thread.ID).Msg("Failed to record stop event")
			}
			return nil, fmt.Errorf("invocation stopped by user")
		}
		return nil, fmt.Errorf("worker invocation failed: %w", err)
	}

	if _, err := o.threads.Append(ctx, &store.ThreadEvent{
		ThreadID:    res.Thread.ID,
		Channel:     "github",
		Direction:   store.DirectionOutbound,
		Actor:       o.botLogin,
		Content:     result.Text,
		MessageKind: "agent_response",
		Usage:       &store.TokenUsage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens},
	}); err != nil {
		return nil, fmt.Errorf("failed to record agent response: %w", err)
	}
	if result.SessionID != "" && result.SessionID != res.Conversation.SessionID {
		if err := o.threads.Store().UpdateConversationSession(ctx, res.Conversation.ID, result.SessionID); err != nil {
			log.Warn().Err(err).Int64("conversation", res.Conversation.ID).Msg("Failed to persist session handle")
		}
		res.Conversation.SessionID = result.SessionID
	}
	return result, nil
}

// enforce runs the completion check after an agent turn, synthesizing
// follow-up turns when the workspace shows unfinished work
func (o *Orchestrator) enforce(ctx context.Context, res *resolver.Resolution) {
	task, err := o.enforcer.ActiveTask(ctx, res.Conversation.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Int64("conversation", res.Conversation.ID).Msg("Active task lookup failed")
		}
		return
	}

	final, err := o.enforcer.Enforce(ctx, task, func(ctx context.Context, instruction string) error {
		if _, err := o.threads.Append(ctx, &store.ThreadEvent{
			ThreadID:    res.Thread.ID,
			Channel:     "github",
			Direction:   store.DirectionInbound,
			Actor:       "enforcer",
			Content:     instruction,
			MessageKind: "follow_up",
		}); err != nil {
			return err
		}
		_, err := o.invokeWorker(ctx, res)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Int64("task", task.ID).Msg("Enforcement failed")
		return
	}
	log.Debug().Int64("task", task.ID).Str("progress", string(final)).Msg("Enforcement finished")
}

// maybeCompact compacts a thread in place once its live history grows
// past the threshold. Failures only cost context headroom, never the
// delivery.
func (o *Orchestrator) maybeCompact(ctx context.Context, threadID int64) {
	should, err := o.threads.ShouldCompact(ctx, threadID)
	if err != nil || !should {
		return
	}
	if _, err := o.threads.Compact(ctx, threadID, store.CompactInPlace, o.keepRecent); err != nil {
		log.Warn().Err(err).Int64("thread", threadID).Msg("Compaction failed")
	}
}

// StopConversation cancels the in-flight agent run for a conversation, if
// any, and pauses it so new deliveries stop triggering invocations.
func (o *Orchestrator) StopConversation(ctx context.Context, conversationID int64) (bool, error) {
	cancelled := o.registry.Cancel(conversationID)
	if err := o.threads.Store().UpdateConversationStatus(ctx, conversationID, store.ConversationStopped); err != nil {
		return cancelled, fmt.Errorf("failed to stop conversation: %w", err)
	}
	return cancelled, nil
}

func isOpenedEvent(ev events.Event) bool {
	switch e := ev.(type) {
	case *events.IssueEvent:
		return e.Action == "opened"
	case *events.PullRequestEvent:
		return e.Action == "opened"
	}
	return false
}

func eventActorBody(ev events.Event) (actor, body string) {
	switch e := ev.(type) {
	case *events.IssueEvent:
		return e.Issue.User.Login, e.Issue.Body
	case *events.IssueCommentEvent:
		return e.Comment.User.Login, e.Comment.Body
	case *events.PullRequestEvent:
		return e.PullRequest.User.Login, e.PullRequest.Body
	case *events.ReviewCommentEvent:
		return e.Comment.User.Login, e.Comment.Body
	case *events.PushEvent:
		return e.Sender.Login, ""
	}
	return "", ""
}

func eventTopic(ev events.Event) string {
	switch e := ev.(type) {
	case *events.IssueEvent:
		return fmt.Sprintf("%s#%d: %s", e.Repository.FullName, e.Issue.Number, e.Issue.Title)
	case *events.IssueCommentEvent:
		return fmt.Sprintf("%s#%d: %s", e.Repository.FullName, e.Issue.Number, e.Issue.Title)
	case *events.PullRequestEvent:
		return fmt.Sprintf("%s#%d: %s", e.Repository.FullName, e.PullRequest.Number, e.PullRequest.Title)
	case *events.ReviewCommentEvent:
		return fmt.Sprintf("%s#%d: %s", e.Repository.FullName, e.PullRequest.Number, e.PullRequest.Title)
	}
	return ev.Kind()
}

func eventRepo(ev events.Event) string {
	refs := ev.Refs()
	if len(refs) > 0 {
		return refs[0].Repo
	}
	tags := ev.Tags()
	if len(tags) > 0 {
		return tags[len(tags)-1]
	}
	return ""
}

func eventURL(ev events.Event) string {
	switch e := ev.(type) {
	case *events.IssueEvent:
		return e.Issue.HTMLURL
	case *events.IssueCommentEvent:
		return e.Comment.HTMLURL
	case *events.PullRequestEvent:
		return e.PullRequest.HTMLURL
	case *events.ReviewCommentEvent:
		return e.Comment.HTMLURL
	}
	return ""
}

func historyToMessages(history []*store.ThreadEvent) []worker.Message {
	msgs := make([]worker.Message, 0, len(history))
	for _, ev := range history {
		if ev.Content == "" {
			continue
		}
		role := worker.RoleUser
		if ev.Direction == store.DirectionOutbound {
			role = worker.RoleAssistant
		}
		msgs = append(msgs, worker.Message{Role: role, Content: ev.Content})
	}
	return msgs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// back off to a rune boundary so the cut never produces invalid UTF-8
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
