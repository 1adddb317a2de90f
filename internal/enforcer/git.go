package enforcer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Snapshot is the externally observable version-control state of a
// working directory at one instant.
type Snapshot struct {
	CommitHash    string
	DirtyCount    int
	Branch        string
	HasUpstream   bool
	DefaultBranch string
}

// Inspector reads version-control state from a working directory
type Inspector interface {
	Snapshot(ctx context.Context, workdir string) (*Snapshot, error)
}

// GitInspector shells out to git. The worker's self-reported text is
// never consulted; only what git says counts as progress.
type GitInspector struct{}

// NewGitInspector creates a git-backed inspector
func NewGitInspector() *GitInspector {
	return &GitInspector{}
}

func (g *GitInspector) Snapshot(ctx context.Context, workdir string) (*Snapshot, error) {
	commit, err := g.run(ctx, workdir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}

	status, err := g.run(ctx, workdir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	dirty := 0
	if status != "" {
		dirty = len(strings.Split(status, "\n"))
	}

	branch, err := g.run(ctx, workdir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to read current branch: %w", err)
	}

	// exits non-zero when the branch has no upstream
	_, upstreamErr := g.run(ctx, workdir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}")

	defaultBranch := "main"
	if head, err := g.run(ctx, workdir, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if idx := strings.LastIndex(head, "/"); idx >= 0 {
			defaultBranch = head[idx+1:]
		}
	}

	return &Snapshot{
		CommitHash:    commit,
		DirtyCount:    dirty,
		Branch:        branch,
		HasUpstream:   upstreamErr == nil,
		DefaultBranch: defaultBranch,
	}, nil
}

func (g *GitInspector) run(ctx context.Context, workdir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workdir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
