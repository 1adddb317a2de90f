// Package hosting is the git-hosting collaborator boundary. The engine only
// needs read-by-identifier plus a small set of writes; everything else the
// platform offers is out of scope here.
package hosting

import "context"

// Issue is the subset of an issue the engine consumes
type Issue struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	URL         string `json:"url"`
	AuthorLogin string `json:"author_login"`
}

// PullRequest is the subset of a pull request the engine consumes
type PullRequest struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	Merged      bool   `json:"merged"`
	URL         string `json:"url"`
	HeadBranch  string `json:"head_branch"`
	BaseBranch  string `json:"base_branch"`
	AuthorLogin string `json:"author_login"`
}

// Client is what the engine needs from the hosting platform
type Client interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	// FindPullRequestByBranch returns the open PR whose head is branch, or
	// nil when none exists.
	FindPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error)
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*PullRequest, error)
	// FetchRunLogs returns the (possibly truncated) log text of a workflow run.
	FetchRunLogs(ctx context.Context, owner, repo string, runID int64) (string, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string) error
}
