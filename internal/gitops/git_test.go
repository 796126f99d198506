package gitops

import (
	"testing"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

func TestParseDiffNumstat(t *testing.T) {
	output := "10\t2\tinternal/a.go\n0\t5\tinternal/b.go\n-\t-\tassets/logo.png\n\n"
	additions, deletions, files := parseDiffNumstat(output)
	if additions != 10 {
		t.Fatalf("expected 10 additions, got %d", additions)
	}
	if deletions != 7 {
		t.Fatalf("expected 7 deletions, got %d", deletions)
	}
	if files != 3 {
		t.Fatalf("expected 3 files counting binary entry, got %d", files)
	}
}

func TestParseDiffNumstatEmpty(t *testing.T) {
	additions, deletions, files := parseDiffNumstat("")
	if additions != 0 || deletions != 0 || files != 0 {
		t.Fatalf("expected zero stats for empty diff, got %d/%d/%d", additions, deletions, files)
	}
}

func TestInitModeRoundTrip(t *testing.T) {
	worktrees := NewWorktrees(t.TempDir())

	if mode := worktrees.InitMode("ws-1"); mode != model.InitModeNone {
		t.Fatalf("expected no init mode before set, got %q", mode)
	}
	if err := worktrees.SetInitMode("ws-1", model.InitModeExistingBranch); err != nil {
		t.Fatalf("set init mode: %v", err)
	}
	if mode := worktrees.InitMode("ws-1"); mode != model.InitModeExistingBranch {
		t.Fatalf("expected existing_branch mode, got %q", mode)
	}
	if err := worktrees.ClearInitMode("ws-1"); err != nil {
		t.Fatalf("clear init mode: %v", err)
	}
	if mode := worktrees.InitMode("ws-1"); mode != model.InitModeNone {
		t.Fatalf("expected cleared init mode, got %q", mode)
	}
	// Clearing twice is a no-op.
	if err := worktrees.ClearInitMode("ws-1"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestWorktreePathSanitizesName(t *testing.T) {
	worktrees := NewWorktrees("/tmp/worktrees")
	path := worktrees.WorktreePath("feat/login flow")
	if path != "/tmp/worktrees/feat-login-flow" {
		t.Fatalf("unexpected worktree path %q", path)
	}
}
