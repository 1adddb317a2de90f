package hosting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// maxLogBytes caps how much CI log text is pulled into a worker prompt
const maxLogBytes = 64 * 1024

// GitHubClient implements Client over the GitHub REST API. All calls go
// through a shared rate limiter so a burst of webhook deliveries cannot
// exhaust the API quota.
type GitHubClient struct {
	client  *github.Client
	http    *http.Client
	limiter *rate.Limiter
}

// NewGitHubClient creates an authenticated GitHub client
func NewGitHubClient(ctx context.Context, token string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	return &GitHubClient{
		client:  github.NewClient(tc),
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (c *GitHubClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait cancelled: %w", err)
	}
	return nil
}

func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	issue, _, err := c.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return &Issue{
		Number:      issue.GetNumber(),
		Title:       issue.GetTitle(),
		Body:        issue.GetBody(),
		State:       issue.GetState(),
		URL:         issue.GetHTMLURL(),
		AuthorLogin: issue.GetUser().GetLogin(),
	}, nil
}

func (c *GitHubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	pr, _, err := c.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return convertPR(pr), nil
}

func (c *GitHubClient) FindPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	opts := &github.PullRequestListOptions{
		State: "open",
		Head:  fmt.Sprintf("%s:%s", owner, branch),
	}
	prs, _, err := c.client.PullRequests.List(ctx, owner, repo, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return convertPR(prs[0]), nil
}

func (c *GitHubClient) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	prs, _, err := c.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{State: "open"})
	if err != nil {
		return nil, fmt.Errorf("failed to list open pull requests: %w", err)
	}
	result := make([]*PullRequest, 0, len(prs))
	for _, pr := range prs {
		result = append(result, convertPR(pr))
	}
	return result, nil
}

// FetchRunLogs downloads the logs of the failed jobs in a workflow run and
// concatenates them, newest job first, capped at maxLogBytes.
func (c *GitHubClient) FetchRunLogs(ctx context.Context, owner, repo string, runID int64) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	jobs, _, err := c.client.Actions.ListWorkflowJobs(ctx, owner, repo, runID, &github.ListWorkflowJobsOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list jobs for run %d: %w", runID, err)
	}

	var logs string
	for _, job := range jobs.Jobs {
		if job.GetConclusion() != "failure" {
			continue
		}
		if err := c.wait(ctx); err != nil {
			return "", err
		}
		logURL, _, err := c.client.Actions.GetWorkflowJobLogs(ctx, owner, repo, job.GetID(), 3)
		if err != nil {
			log.Warn().Err(err).Int64("job", job.GetID()).Msg("Failed to resolve job log URL, skipping")
			continue
		}

		text, err := c.download(ctx, logURL.String())
		if err != nil {
			log.Warn().Err(err).Int64("job", job.GetID()).Msg("Failed to download job logs, skipping")
			continue
		}
		logs += fmt.Sprintf("=== Job: %s ===\n%s\n", job.GetName(), text)
		if len(logs) >= maxLogBytes {
			logs = logs[:maxLogBytes]
			break
		}
	}
	return logs, nil
}

func (c *GitHubClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return fmt.Errorf("failed to add labels to %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	event := github.CreateWorkflowDispatchEventRequest{Ref: ref}
	_, err := c.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, workflowFile, event)
	if err != nil {
		return fmt.Errorf("failed to dispatch workflow %s: %w", workflowFile, err)
	}
	return nil
}

func (c *GitHubClient) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create log request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("log download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log download returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read log body: %w", err)
	}
	return string(body), nil
}

func convertPR(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		State:       pr.GetState(),
		Merged:      pr.GetMerged(),
		URL:         pr.GetHTMLURL(),
		HeadBranch:  pr.GetHead().GetRef(),
		BaseBranch:  pr.GetBase().GetRef(),
		AuthorLogin: pr.GetUser().GetLogin(),
	}
}
