package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RefKind classifies what an external reference points at
type RefKind string

const (
	RefIssue  RefKind = "issue"
	RefPR     RefKind = "pr"
	RefBranch RefKind = "branch"
)

// Ref is a structured pointer to an external unit of work
type Ref struct {
	Repo   string  `json:"repo"`
	Kind   RefKind `json:"kind"`
	Number int     `json:"number"`
}

// Event is the typed result of normalizing one webhook delivery.
// Refs returns structured references ordered by specificity; Tags returns
// legacy string tags for fallback lookup, most specific first.
type Event interface {
	Kind() string
	Refs() []Ref
	Tags() []string
}

// IssueEvent is an "issues" webhook (opened, closed, edited, ...)
type IssueEvent struct {
	Action     string           `json:"action"`
	Issue      GitHubIssue      `json:"issue"`
	Repository GitHubRepository `json:"repository"`
	Sender     GitHubUser       `json:"sender"`
}

func (e *IssueEvent) Kind() string { return "issues" }

func (e *IssueEvent) Refs() []Ref {
	return []Ref{{Repo: e.Repository.FullName, Kind: RefIssue, Number: e.Issue.Number}}
}

func (e *IssueEvent) Tags() []string {
	return issueTags(e.Repository.FullName, e.Issue.Number, false)
}

// IssueCommentEvent is an "issue_comment" webhook. The underlying issue may
// actually be a pull request; Refs reflects that distinction.
type IssueCommentEvent struct {
	Action     string           `json:"action"`
	Issue      GitHubIssue      `json:"issue"`
	Comment    GitHubComment    `json:"comment"`
	Repository GitHubRepository `json:"repository"`
	Sender     GitHubUser       `json:"sender"`
}

func (e *IssueCommentEvent) Kind() string { return "issue_comment" }

func (e *IssueCommentEvent) Refs() []Ref {
	kind := RefIssue
	if e.Issue.PullRequest != nil {
		kind = RefPR
	}
	return []Ref{{Repo: e.Repository.FullName, Kind: kind, Number: e.Issue.Number}}
}

func (e *IssueCommentEvent) Tags() []string {
	return issueTags(e.Repository.FullName, e.Issue.Number, e.Issue.PullRequest != nil)
}

// PullRequestEvent is a "pull_request" webhook
type PullRequestEvent struct {
	Action      string            `json:"action"`
	Number      int               `json:"number"`
	PullRequest GitHubPullRequest `json:"pull_request"`
	Repository  GitHubRepository  `json:"repository"`
	Sender      GitHubUser        `json:"sender"`
}

func (e *PullRequestEvent) Kind() string { return "pull_request" }

func (e *PullRequestEvent) Refs() []Ref {
	return []Ref{{Repo: e.Repository.FullName, Kind: RefPR, Number: e.PullRequest.Number}}
}

func (e *PullRequestEvent) Tags() []string {
	return issueTags(e.Repository.FullName, e.PullRequest.Number, true)
}

// ReviewCommentEvent is a "pull_request_review_comment" webhook
type ReviewCommentEvent struct {
	Action      string              `json:"action"`
	Comment     GitHubReviewComment `json:"comment"`
	PullRequest GitHubPullRequest   `json:"pull_request"`
	Repository  GitHubRepository    `json:"repository"`
	Sender      GitHubUser          `json:"sender"`
}

func (e *ReviewCommentEvent) Kind() string { return "pull_request_review_comment" }

func (e *ReviewCommentEvent) Refs() []Ref {
	return []Ref{{Repo: e.Repository.FullName, Kind: RefPR, Number: e.PullRequest.Number}}
}

func (e *ReviewCommentEvent) Tags() []string {
	return issueTags(e.Repository.FullName, e.PullRequest.Number, true)
}

// PushEvent is a "push" webhook
type PushEvent struct {
	Ref        string             `json:"ref"`
	Before     string             `json:"before"`
	After      string             `json:"after"`
	Repository GitHubRepository   `json:"repository"`
	Sender     GitHubUser         `json:"sender"`
	Commits    []GitHubPushCommit `json:"commits"`
	HeadCommit *GitHubPushCommit  `json:"head_commit"`
}

func (e *PushEvent) Kind() string { return "push" }

// Refs for a push carry no number; branch pushes are matched by tag only.
func (e *PushEvent) Refs() []Ref { return nil }

func (e *PushEvent) Tags() []string {
	return []string{e.Repository.FullName}
}

// Branch returns the short branch name for branch pushes, "" otherwise
func (e *PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// WorkflowRunEvent is a "workflow_run" webhook
type WorkflowRunEvent struct {
	Action      string            `json:"action"`
	WorkflowRun GitHubWorkflowRun `json:"workflow_run"`
	Repository  GitHubRepository  `json:"repository"`
	Sender      GitHubUser        `json:"sender"`
}

func (e *WorkflowRunEvent) Kind() string { return "workflow_run" }

func (e *WorkflowRunEvent) Refs() []Ref {
	refs := make([]Ref, 0, len(e.WorkflowRun.PullRequests))
	for _, pr := range e.WorkflowRun.PullRequests {
		refs = append(refs, Ref{Repo: e.Repository.FullName, Kind: RefPR, Number: pr.Number})
	}
	return refs
}

func (e *WorkflowRunEvent) Tags() []string {
	tags := make([]string, 0, len(e.WorkflowRun.PullRequests)+1)
	for _, pr := range e.WorkflowRun.PullRequests {
		tags = append(tags, fmt.Sprintf("pr#%d", pr.Number))
	}
	return append(tags, e.Repository.FullName)
}

// WorkflowJobEvent is a "workflow_job" webhook
type WorkflowJobEvent struct {
	Action      string            `json:"action"`
	WorkflowJob GitHubWorkflowJob `json:"workflow_job"`
	Repository  GitHubRepository  `json:"repository"`
	Sender      GitHubUser        `json:"sender"`
}

func (e *WorkflowJobEvent) Kind() string { return "workflow_job" }

func (e *WorkflowJobEvent) Refs() []Ref { return nil }

func (e *WorkflowJobEvent) Tags() []string {
	return []string{e.Repository.FullName}
}

// Normalize parses a raw webhook delivery into a typed event. Unrecognized
// event kinds return (nil, nil) so the caller can acknowledge and skip them
// without treating the delivery as an error.
func Normalize(kind string, body []byte) (Event, error) {
	var event Event
	switch kind {
	case "issues":
		event = &IssueEvent{}
	case "issue_comment":
		event = &IssueCommentEvent{}
	case "pull_request":
		event = &PullRequestEvent{}
	case "pull_request_review_comment":
		event = &ReviewCommentEvent{}
	case "push":
		event = &PushEvent{}
	case "workflow_run":
		event = &WorkflowRunEvent{}
	case "workflow_job":
		event = &WorkflowJobEvent{}
	default:
		return nil, nil
	}

	if err := json.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("failed to parse %s webhook payload: %w", kind, err)
	}
	return event, nil
}

// issueTags builds legacy lookup tags, most specific first. PR-backed items
// additionally get the bare "pr#N" form some older conversations carry.
func issueTags(repo string, number int, isPR bool) []string {
	tags := make([]string, 0, 3)
	if isPR {
		tags = append(tags, fmt.Sprintf("pr#%d", number))
	}
	tags = append(tags, fmt.Sprintf("%s#%d", repo, number))
	return append(tags, repo)
}

// ContainsMention reports whether body @-mentions the given login
func ContainsMention(body, login string) bool {
	if login == "" {
		return false
	}
	lower := strings.ToLower(body)
	needle := "@" + strings.ToLower(login)
	idx := 0
	for {
		i := strings.Index(lower[idx:], needle)
		if i < 0 {
			return false
		}
		end := idx + i + len(needle)
		// Reject prefix matches like @botname2 for bot @botname
		if end >= len(lower) || !isLoginChar(lower[end]) {
			return true
		}
		idx = end
	}
}

func isLoginChar(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
