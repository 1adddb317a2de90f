// Package remediation reacts to CI failures on the agent's own pull
// requests. Each failed run on a bot-authored PR triggers one worker
// invocation carrying the failure logs, up to a per-PR attempt cap; a
// green run resets the cap.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/hosting"
	"github.com/agentrelay/internal/notify"
	"github.com/agentrelay/internal/resolver"
	"github.com/agentrelay/internal/store"
	"github.com/agentrelay/internal/worker"
)

// DefaultMaxAttempts is how many consecutive fix attempts a PR gets
// before the supervisor gives up and asks a human to look.
const DefaultMaxAttempts = 3

// Supervisor drives the CI remediation loop
type Supervisor struct {
	counters    *AttemptCounters
	hosting     hosting.Client
	resolver    *resolver.Resolver
	threads     *store.Service
	worker      worker.Worker
	registry    *worker.Registry
	notifier    *notify.BestEffort
	botLogin    string
	maxAttempts int
}

// NewSupervisor creates a remediation supervisor. counters is injected so
// tests and the enforcer can observe attempt state; registry makes the
// remediation turns stoppable from the stop endpoint.
func NewSupervisor(counters *AttemptCounters, client hosting.Client, res *resolver.Resolver, threads *store.Service, w worker.Worker, registry *worker.Registry, notifier *notify.BestEffort, botLogin string, maxAttempts int) *Supervisor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{
		counters:    counters,
		hosting:     client,
		resolver:    res,
		threads:     threads,
		worker:      w,
		registry:    registry,
		notifier:    notifier,
		botLogin:    botLogin,
		maxAttempts: maxAttempts,
	}
}

// HandleRunCompleted processes a workflow_run webhook. Success resets the
// attempt budget of every PR the run belongs to; failure triggers one
// remediation attempt per bot-authored PR, within the budget.
func (s *Supervisor) HandleRunCompleted(ctx context.Context, event *events.WorkflowRunEvent) error {
	if event.Action != "completed" {
		return nil
	}

	repo := event.Repository.FullName
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	switch event.WorkflowRun.Conclusion {
	case "success":
		for _, num := range s.prNumbers(ctx, owner, name, event) {
			s.counters.Reset(repo, num)
		}
		return nil
	case "failure":
		// fall through
	default:
		// cancelled, skipped, timed_out etc. neither consume nor reset
		// the budget
		return nil
	}

	for _, num := range s.prNumbers(ctx, owner, name, event) {
		if err := s.remediate(ctx, owner, name, repo, num, event); err != nil {
			log.Error().Err(err).Str("repo", repo).Int("pr", num).Msg("Remediation attempt failed")
			s.notifier.Notify(ctx, fmt.Sprintf("Could not start a CI fix for %s#%d: %v", repo, num, err))
		}
	}
	return nil
}

// prNumbers returns the PRs a run belongs to. Runs from forked or
// detached branches often omit the embedded PR list, so fall back to a
// head-branch lookup.
func (s *Supervisor) prNumbers(ctx context.Context, owner, name string, event *events.WorkflowRunEvent) []int {
	if len(event.WorkflowRun.PullRequests) > 0 {
		nums := make([]int, 0, len(event.WorkflowRun.PullRequests))
		for _, pr := range event.WorkflowRun.PullRequests {
			nums = append(nums, pr.Number)
		}
		return nums
	}
	if event.WorkflowRun.HeadBranch == "" {
		return nil
	}
	pr, err := s.hosting.FindPullRequestByBranch(ctx, owner, name, event.WorkflowRun.HeadBranch)
	if err != nil {
		log.Warn().Err(err).Str("branch", event.WorkflowRun.HeadBranch).Msg("PR lookup by branch failed")
		return nil
	}
	if pr == nil {
		return nil
	}
	return []int{pr.Number}
}

func (s *Supervisor) remediate(ctx context.Context, owner, name, repo string, prNumber int, event *events.WorkflowRunEvent) error {
	pr, err := s.hosting.GetPullRequest(ctx, owner, name, prNumber)
	if err != nil {
		return fmt.Errorf("failed to fetch PR: %w", err)
	}
	if pr.AuthorLogin != s.botLogin {
		log.Debug().Str("repo", repo).Int("pr", prNumber).Str("author", pr.AuthorLogin).
			Msg("CI failure on a human PR, not remediating")
		return nil
	}
	if pr.State != "open" || pr.Merged {
		return nil
	}

	attempt := s.counters.Increment(repo, prNumber)
	if attempt > s.maxAttempts {
		if attempt == s.maxAttempts+1 {
			s.notifier.Notify(ctx, fmt.Sprintf(
				"Giving up on CI for %s (%s#%d) after %d fix attempts. A human needs to take a look.",
				pr.Title, repo, prNumber, s.maxAttempts))
		}
		log.Warn().Str("repo", repo).Int("pr", prNumber).Int("attempt", attempt).
			Msg("Attempt budget exhausted, skipping remediation")
		return nil
	}

	logs, err := s.hosting.FetchRunLogs(ctx, owner, name, event.WorkflowRun.ID)
	if err != nil {
		log.Warn().Err(err).Int64("run", event.WorkflowRun.ID).Msg("Could not fetch run logs, remediating without them")
		logs = "(logs unavailable)"
	}

	prompt := buildFailurePrompt(pr, event, logs, attempt, s.maxAttempts)

	res, err := s.resolver.FindOrCreate(ctx,
		[]events.Ref{{Repo: repo, Kind: events.RefPR, Number: prNumber}},
		[]string{fmt.Sprintf("pr#%d", prNumber), repo},
		resolver.CreateSpec{
			Qualifies: true,
			Topic:     fmt.Sprintf("CI fixes for %s#%d", repo, prNumber),
			Channel:   "github",
			Repo:      repo,
			URL:       pr.URL,
			Tags:      []string{fmt.Sprintf("pr#%d", prNumber), repo},
		})
	if err != nil {
		return fmt.Errorf("failed to resolve thread: %w", err)
	}
	if res.Thread == nil {
		return fmt.Errorf("conversation %d has no thread", res.Conversation.ID)
	}

	if _, err := s.threads.Append(ctx, &store.ThreadEvent{
		ThreadID:    res.Thread.ID,
		Channel:     "github",
		Direction:   store.DirectionInbound,
		Actor:       "ci",
		Content:     prompt,
		MessageKind: "ci_failure",
		Metadata: map[string]any{
			"run_id":  event.WorkflowRun.ID,
			"attempt": attempt,
		},
	}); err != nil {
		return fmt.Errorf("failed to record failure event: %w", err)
	}

	history, err := s.threads.Store().ListEvents(ctx, res.Thread.ID, false)
	if err != nil {
		return fmt.Errorf("failed to load thread history: %w", err)
	}

	log.Info().Str("repo", repo).Int("pr", prNumber).Int("attempt", attempt).
		Int("max_attempts", s.maxAttempts).Msg("Invoking worker for CI remediation")

	runCtx, done := s.registry.Begin(ctx, res.Conversation.ID)
	result, err := s.worker.Invoke(runCtx, worker.Invocation{
		Messages:  historyToMessages(history),
		SessionID: res.Conversation.SessionID,
	})
	done()
	if err != nil {
		if errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil {
			if _, appendErr := s.threads.Append(ctx, &store.ThreadEvent{
				ThreadID:    res.Thread.ID,
				Channel:     "github",
				Direction:   store.DirectionOutbound,
				Actor:       s.botLogin,
				Content:     "Stopped by user.",
				MessageKind: "stopped",
			}); appendErr != nil {
				log.Error().Err(appendErr).Int64("thread", res.Thread.ID).Msg("Failed to record stop event")
			}
			log.Info().Str("repo", repo).Int("pr", prNumber).Msg("Remediation turn stopped by user")
			return nil
		}
		return fmt.Errorf("worker invocation failed: %w", err)
	}

	if _, err := s.threads.Append(ctx, &store.ThreadEvent{
		ThreadID:    res.Thread.ID,
		Channel:     "github",
		Direction:   store.DirectionOutbound,
		Actor:       s.botLogin,
		Content:     result.Text,
		MessageKind: "agent_response",
		Usage:       &store.TokenUsage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens},
	}); err != nil {
		return fmt.Errorf("failed to record agent response: %w", err)
	}
	if result.SessionID != "" && result.SessionID != res.Conversation.SessionID {
		if err := s.threads.Store().UpdateConversationSession(ctx, res.Conversation.ID, result.SessionID); err != nil {
			log.Warn().Err(err).Int64("conversation", res.Conversation.ID).Msg("Failed to persist session handle")
		}
	}
	return nil
}

func buildFailurePrompt(pr *hosting.PullRequest, event *events.WorkflowRunEvent, logs string, attempt, maxAttempts int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CI failed on your pull request #%d (%s), branch %s.\n", pr.Number, pr.Title, pr.HeadBranch)
	fmt.Fprintf(&b, "Workflow: %s, run %d (attempt %d of %d allowed).\n", event.WorkflowRun.Name, event.WorkflowRun.ID, attempt, maxAttempts)
	fmt.Fprintf(&b, "Run URL: %s\n\n", event.WorkflowRun.HTMLURL)
	b.WriteString("Failing job logs:\n```\n")
	b.WriteString(logs)
	b.WriteString("\n```\n\nPlease diagnose the failure, fix it, and push the fix to the same branch.")
	return b.String()
}

// historyToMessages converts the live thread timeline into worker input.
// Inbound events speak as the user, outbound as the assistant.
func historyToMessages(history []*store.ThreadEvent) []worker.Message {
	msgs := make([]worker.Message, 0, len(history))
	for _, ev := range history {
		role := worker.RoleUser
		if ev.Direction == store.DirectionOutbound {
			role = worker.RoleAssistant
		}
		if ev.Content == "" {
			continue
		}
		msgs = append(msgs, worker.Message{Role: role, Content: ev.Content})
	}
	return msgs
}

func splitRepo(fullName string) (owner, name string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repository name %q", fullName)
	}
	return parts[0], parts[1], nil
}
