package runscript

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

// WorkspaceStore is the persistence slice the run-script module writes
// status through.
type WorkspaceStore interface {
	FindByIDWithProject(ctx context.Context, id string) (*model.Workspace, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

// EventSink mirrors run-script status into the snapshot write path. May be
// nil.
type EventSink interface {
	RunScriptStatusChanged(workspaceID string, status model.RunScriptStatus, occurredAt time.Time)
}

// Runner launches a project's long-running startup script inside the
// workspace worktree, one tmux session per workspace.
type Runner struct {
	store  WorkspaceStore
	events EventSink
	logger *log.Logger
}

func NewRunner(store WorkspaceStore, events EventSink, logger *log.Logger) *Runner {
	return &Runner{store: store, events: events, logger: logger}
}

// HasStartupScript reports whether the workspace's project configures a
// startup script. Missing project metadata reads as no script.
func (r *Runner) HasStartupScript(ctx context.Context, workspaceID string) (bool, error) {
	workspace, err := r.store.FindByIDWithProject(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	if workspace.Project == nil {
		return false, nil
	}
	return workspace.Project.HasStartupScript(), nil
}

// RunStartupScript starts the script detached and records RUNNING. The
// script keeps running after this call returns; StopRunScript tears it
// down.
func (r *Runner) RunStartupScript(ctx context.Context, workspaceID string) error {
	workspace, err := r.store.FindByIDWithProject(ctx, workspaceID)
	if err != nil {
		return err
	}
	if workspace.Project == nil || !workspace.Project.HasStartupScript() {
		return fmt.Errorf("workspace %s has no startup script", workspaceID)
	}
	command := strings.TrimSpace(workspace.Project.StartupScript)
	if err := startDetached(ctx, runSessionName(workspaceID), workspace.WorktreePath, command); err != nil {
		r.setStatus(ctx, workspaceID, model.RunScriptStatusFailed)
		return err
	}
	r.setStatus(ctx, workspaceID, model.RunScriptStatusRunning)
	if err := r.store.Update(ctx, workspaceID, map[string]any{"run_script_command": command}); err != nil {
		r.logger.Printf("persist run script command for %s: %v", workspaceID, err)
	}
	return nil
}

// StopRunScript kills the script session. Stopping an already-stopped
// script is a no-op success.
func (r *Runner) StopRunScript(ctx context.Context, workspaceID string) error {
	if err := killDetached(ctx, runSessionName(workspaceID)); err != nil {
		if isMissingSession(err) {
			r.setStatus(ctx, workspaceID, model.RunScriptStatusStopped)
			return nil
		}
		return err
	}
	r.setStatus(ctx, workspaceID, model.RunScriptStatusStopped)
	return nil
}

func (r *Runner) setStatus(ctx context.Context, workspaceID string, status model.RunScriptStatus) {
	if err := r.store.Update(ctx, workspaceID, map[string]any{"run_script_status": status}); err != nil {
		r.logger.Printf("persist run script status for %s: %v", workspaceID, err)
	}
	if r.events != nil {
		r.events.RunScriptStatusChanged(workspaceID, status, time.Now().UTC())
	}
}

func runSessionName(workspaceID string) string {
	suffix := workspaceID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return "runscript-" + suffix
}

func startDetached(ctx context.Context, sessionName string, dir string, command string) error {
	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", sessionName, "-c", dir, command)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %s: %s", sessionName, strings.TrimSpace(string(out)))
	}
	return nil
}

func killDetached(ctx context.Context, sessionName string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", sessionName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux kill-session %s: %s", sessionName, strings.TrimSpace(string(out)))
	}
	return nil
}

func isMissingSession(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running")
}
