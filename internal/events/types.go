package events

// GitHubUser represents a GitHub user in a webhook payload
type GitHubUser struct {
	ID        int    `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	HTMLURL   string `json:"html_url"`
	AvatarURL string `json:"avatar_url"`
	Type      string `json:"type"`
}

// GitHubRepository represents a GitHub repository in a webhook payload
type GitHubRepository struct {
	ID            int        `json:"id"`
	Name          string     `json:"name"`
	FullName      string     `json:"full_name"`
	HTMLURL       string     `json:"html_url"`
	DefaultBranch string     `json:"default_branch"`
	Owner         GitHubUser `json:"owner"`
	Private       bool       `json:"private"`
}

// GitHubIssue represents a GitHub issue. The PullRequest field is non-nil
// when the issue is actually the issue-side view of a pull request.
type GitHubIssue struct {
	ID          int             `json:"id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	State       string          `json:"state"`
	HTMLURL     string          `json:"html_url"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	User        GitHubUser      `json:"user"`
	Labels      []GitHubLabel   `json:"labels"`
	PullRequest *GitHubIssuePR  `json:"pull_request,omitempty"`
	Assignees   []GitHubUser    `json:"assignees"`
}

// GitHubIssuePR is the marker object GitHub attaches to issues that back a PR
type GitHubIssuePR struct {
	URL     string `json:"url"`
	HTMLURL string `json:"html_url"`
}

// GitHubLabel represents a GitHub label
type GitHubLabel struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// GitHubBranch represents one side of a pull request
type GitHubBranch struct {
	Ref  string           `json:"ref"`
	SHA  string           `json:"sha"`
	Repo GitHubRepository `json:"repo"`
}

// GitHubPullRequest represents a GitHub pull request
type GitHubPullRequest struct {
	ID        int          `json:"id"`
	Number    int          `json:"number"`
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	State     string       `json:"state"`
	Merged    bool         `json:"merged"`
	HTMLURL   string       `json:"html_url"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
	Head      GitHubBranch `json:"head"`
	Base      GitHubBranch `json:"base"`
	User      GitHubUser   `json:"user"`
	Draft     bool         `json:"draft"`
}

// GitHubComment represents an issue comment
type GitHubComment struct {
	ID        int        `json:"id"`
	Body      string     `json:"body"`
	HTMLURL   string     `json:"html_url"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
	User      GitHubUser `json:"user"`
}

// GitHubReviewComment represents a PR review (diff) comment
type GitHubReviewComment struct {
	ID        int        `json:"id"`
	Body      string     `json:"body"`
	Path      string     `json:"path"`
	Line      int        `json:"line"`
	HTMLURL   string     `json:"html_url"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
	User      GitHubUser `json:"user"`
}

// GitHubWorkflowRun represents a CI workflow run
type GitHubWorkflowRun struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	HeadBranch   string            `json:"head_branch"`
	HeadSHA      string            `json:"head_sha"`
	Status       string            `json:"status"`
	Conclusion   string            `json:"conclusion"`
	HTMLURL      string            `json:"html_url"`
	RunAttempt   int               `json:"run_attempt"`
	PullRequests []GitHubRunPRRef  `json:"pull_requests"`
}

// GitHubRunPRRef is the abbreviated PR object embedded in workflow_run payloads
type GitHubRunPRRef struct {
	Number int `json:"number"`
}

// GitHubWorkflowJob represents a single job inside a workflow run
type GitHubWorkflowJob struct {
	ID         int64  `json:"id"`
	RunID      int64  `json:"run_id"`
	Name       string `json:"name"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

// GitHubPushCommit represents a commit in a push payload
type GitHubPushCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	URL     string `json:"url"`
}
