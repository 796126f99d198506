package gitops

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

// Worktrees tracks the per-workspace init-mode sidecar flag and knows where
// workspace worktrees live on disk. The flag survives process restarts so a
// retried initialization remembers the original new-vs-existing decision.
type Worktrees struct {
	root string
}

func NewWorktrees(root string) *Worktrees {
	if strings.TrimSpace(root) == "" {
		root = ".factory/worktrees"
	}
	return &Worktrees{root: root}
}

func (w *Worktrees) WorktreePath(workspaceName string) string {
	return filepath.Join(w.root, sanitizePathToken(workspaceName))
}

func (w *Worktrees) InitMode(workspaceID string) model.InitMode {
	data, err := os.ReadFile(w.initModePath(workspaceID))
	if err != nil {
		return model.InitModeNone
	}
	mode := model.InitMode(strings.TrimSpace(string(data)))
	switch mode {
	case model.InitModeNewBranch, model.InitModeExistingBranch:
		return mode
	}
	return model.InitModeNone
}

func (w *Worktrees) SetInitMode(workspaceID string, mode model.InitMode) error {
	path := w.initModePath(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(string(mode)), 0o644)
}

func (w *Worktrees) ClearInitMode(workspaceID string) error {
	err := os.Remove(w.initModePath(workspaceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *Worktrees) initModePath(workspaceID string) string {
	return filepath.Join(w.root, ".init-mode", sanitizePathToken(workspaceID))
}

func sanitizePathToken(token string) string {
	token = strings.TrimSpace(token)
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	token = replacer.Replace(token)
	if token == "" {
		token = "x"
	}
	return token
}
