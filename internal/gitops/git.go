package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

// Git wraps the git CLI for worktree lifecycle and statistics. Retries and
// backoff are not done here; callers treat a failed invocation as final.
type Git struct{}

func New() *Git {
	return &Git{}
}

func (g *Git) EnsureBaseBranchExists(ctx context.Context, repoPath string, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return fmt.Errorf("base branch is required")
	}
	if _, err := runGit(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return nil
	}
	if _, err := runGit(ctx, repoPath, "fetch", "origin", branch); err != nil {
		return fmt.Errorf("base branch %q not found locally or upstream: %w", branch, err)
	}
	if _, err := runGit(ctx, repoPath, "branch", branch, "origin/"+branch); err != nil {
		// The fetch may have created the local branch already.
		if _, verifyErr := runGit(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch); verifyErr != nil {
			return fmt.Errorf("create local base branch %q: %w", branch, err)
		}
	}
	return nil
}

func (g *Git) CreateWorktree(ctx context.Context, repoPath string, worktreePath string, newBranch string, baseBranch string) error {
	if err := os.MkdirAll(worktreePathParent(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := runGit(ctx, repoPath, "worktree", "add", "-b", newBranch, worktreePath, baseBranch)
	if err != nil {
		return fmt.Errorf("create worktree for branch %q: %w", newBranch, err)
	}
	return nil
}

func (g *Git) CreateWorktreeFromExistingBranch(ctx context.Context, repoPath string, worktreePath string, branch string) error {
	if err := os.MkdirAll(worktreePathParent(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := runGit(ctx, repoPath, "worktree", "add", worktreePath, branch)
	if err != nil {
		return fmt.Errorf("create worktree from branch %q: %w", branch, err)
	}
	return nil
}

// GetWorkspaceGitStats computes diff line counts against the base branch and
// the uncommitted-change flag for one worktree.
func (g *Git) GetWorkspaceGitStats(ctx context.Context, worktreePath string, baseBranch string) (*model.GitStats, error) {
	statusOut, err := runGit(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	diffOut, err := runGit(ctx, worktreePath, "diff", "--numstat", baseBranch)
	if err != nil {
		return nil, err
	}
	additions, deletions, files := parseDiffNumstat(diffOut)
	return &model.GitStats{
		Additions:             additions,
		Deletions:             deletions,
		FilesChanged:          files,
		HasUncommittedChanges: strings.TrimSpace(statusOut) != "",
	}, nil
}

// CleanupWorkspaceWorktree removes the worktree, optionally committing
// uncommitted changes onto the workspace branch first.
func (g *Git) CleanupWorkspaceWorktree(ctx context.Context, repoPath string, worktreePath string, commitUncommitted bool) error {
	if strings.TrimSpace(worktreePath) == "" {
		return nil
	}
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		// Already gone; prune bookkeeping and move on.
		_, _ = runGit(ctx, repoPath, "worktree", "prune")
		return nil
	}
	if commitUncommitted {
		statusOut, err := runGit(ctx, worktreePath, "status", "--porcelain")
		if err != nil {
			return err
		}
		if strings.TrimSpace(statusOut) != "" {
			if _, err := runGit(ctx, worktreePath, "add", "-A"); err != nil {
				return err
			}
			if _, err := runGit(ctx, worktreePath, "commit", "-m", "checkpoint before archive"); err != nil {
				return err
			}
		}
	}
	if _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}

func parseDiffNumstat(output string) (additions int, deletions int, files int) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		files++
		// Binary files report "-" for both counts.
		if added, err := strconv.Atoi(parts[0]); err == nil {
			additions += added
		}
		if deleted, err := strconv.Atoi(parts[1]); err == nil {
			deletions += deleted
		}
	}
	return additions, deletions, files
}

func worktreePathParent(worktreePath string) string {
	idx := strings.LastIndex(worktreePath, "/")
	if idx <= 0 {
		return "."
	}
	return worktreePath[:idx]
}
