package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

type InitOptions struct {
	BranchName string
	// UseExistingBranch overrides the persisted init-mode flag.
	UseExistingBranch *bool
	BaseBranch        string
}

type sessionStart struct {
	session model.Session
	err     error
}

// Initialize provisions a workspace: worktree, config, scripts, agent
// session. A denied provisioning gate returns nil without side effects.
// Infrastructure failures route through one handler that marks the
// workspace FAILED and stops its sessions; a script-phase failure only
// stops sessions and leaves the workspace unready, without erroring.
func (s *Service) Initialize(ctx context.Context, workspaceID string, opts InitOptions) error {
	ok, err := s.lifecycle.StartProvisioning(ctx, workspaceID)
	if err != nil {
		s.logger.Printf("provisioning gate for %s: %v", workspaceID, err)
		return nil
	}
	if !ok {
		s.logger.Printf("workspace %s not eligible for provisioning, skipping", workspaceID)
		return nil
	}

	worktreeCreated := false
	var eagerSession chan sessionStart
	defer func() {
		// Only an attempt that actually created a worktree may clear the
		// init-mode flag; a failed attempt must leave it for the retry.
		if worktreeCreated {
			if err := s.worktrees.ClearInitMode(workspaceID); err != nil {
				s.logger.Printf("clear init mode for %s: %v", workspaceID, err)
			}
		}
	}()

	fail := func(cause error) error {
		// Close the session-start race before cleaning up.
		awaitSessionStart(eagerSession)
		if err := s.lifecycle.MarkFailed(ctx, workspaceID, cause.Error()); err != nil {
			s.logger.Printf("mark workspace %s failed: %v", workspaceID, err)
		}
		if err := s.sessions.StopWorkspaceSessions(ctx, workspaceID); err != nil {
			s.logger.Printf("stop sessions for failed workspace %s: %v", workspaceID, err)
		}
		return cause
	}

	workspace, err := s.store.FindByIDWithProject(ctx, workspaceID)
	if err != nil {
		return fail(err)
	}
	if workspace.Project == nil {
		return fail(fmt.Errorf("workspace %s has no project", workspaceID))
	}
	project := workspace.Project

	baseBranch := strings.TrimSpace(opts.BaseBranch)
	if baseBranch == "" {
		baseBranch = project.DefaultBranch
	}
	if baseBranch == "" {
		baseBranch = "main"
	}

	useExisting := false
	if opts.UseExistingBranch != nil {
		useExisting = *opts.UseExistingBranch
	} else if s.worktrees.InitMode(workspaceID) == model.InitModeExistingBranch {
		useExisting = true
	}

	branchName := strings.TrimSpace(opts.BranchName)
	if branchName == "" {
		branchName = workspace.BranchName
	}
	autoGenerated := false
	if branchName == "" {
		branchName = s.generateBranchName(ctx, workspace.Name)
		autoGenerated = true
	}

	if err := s.git.EnsureBaseBranchExists(ctx, project.RepoPath, baseBranch); err != nil {
		return fail(err)
	}
	worktreePath := s.worktrees.WorktreePath(workspace.Name)
	if useExisting {
		err = s.git.CreateWorktreeFromExistingBranch(ctx, project.RepoPath, worktreePath, branchName)
	} else {
		err = s.git.CreateWorktree(ctx, project.RepoPath, worktreePath, branchName, baseBranch)
	}
	if err != nil {
		return fail(err)
	}
	worktreeCreated = true

	cfg := s.readConfig(worktreePath)

	fields := map[string]any{
		"worktree_path":            worktreePath,
		"branch_name":              branchName,
		"is_auto_generated_branch": autoGenerated,
	}
	if cfg.HasSetupScript() {
		fields["run_script_command"] = strings.TrimSpace(cfg.SetupScript)
	}
	if err := s.store.Update(ctx, workspaceID, fields); err != nil {
		return fail(err)
	}

	// Start the agent eagerly; it races the script phase below and is
	// always awaited before any decision that depends on it.
	agentCommand := s.defaultAgentCommand
	if cfg != nil && strings.TrimSpace(cfg.AgentCommand) != "" {
		agentCommand = strings.TrimSpace(cfg.AgentCommand)
	}
	eagerSession = make(chan sessionStart, 1)
	go func() {
		session, startErr := s.sessions.StartSession(ctx, workspaceID, worktreePath, "agent", agentCommand)
		eagerSession <- sessionStart{session: session, err: startErr}
	}()

	// A failed script phase is terminal for this attempt but not an error:
	// the workspace is left unready with its sessions stopped, nothing is
	// marked FAILED, and nothing propagates to the caller.
	scriptFailed := func(cause error) error {
		s.logger.Printf("script phase for %s: %v", workspaceID, cause)
		awaitSessionStart(eagerSession)
		if err := s.sessions.StopWorkspaceSessions(ctx, workspaceID); err != nil {
			s.logger.Printf("stop sessions after script failure for %s: %v", workspaceID, err)
		}
		return nil
	}

	// At most one script phase runs: a config setup script beats the
	// project startup script.
	scriptRan := false
	if cfg.HasSetupScript() {
		scriptRan = true
		if err := s.runSetupScript(ctx, worktreePath, cfg.SetupScript); err != nil {
			return scriptFailed(fmt.Errorf("setup script: %w", err))
		}
	} else {
		hasStartup, err := s.scripts.HasStartupScript(ctx, workspaceID)
		if err != nil {
			return fail(err)
		}
		if hasStartup {
			scriptRan = true
			if err := s.scripts.RunStartupScript(ctx, workspaceID); err != nil {
				return scriptFailed(fmt.Errorf("startup script: %w", err))
			}
		}
	}

	if !scriptRan {
		if err := s.lifecycle.MarkReady(ctx, workspaceID); err != nil {
			return fail(err)
		}
	}

	started := awaitSessionStart(eagerSession)
	if started.err != nil {
		s.logger.Printf("agent session start for %s: %v", workspaceID, started.err)
	}
	s.catchUpDispatch(ctx, workspaceID, started)
	return nil
}

func awaitSessionStart(ch chan sessionStart) sessionStart {
	if ch == nil {
		return sessionStart{}
	}
	return <-ch
}

// catchUpDispatch tries to hand the workspace's queue head to a session:
// the one just started, else the first running, else the first idle.
func (s *Service) catchUpDispatch(ctx context.Context, workspaceID string, started sessionStart) {
	if started.err == nil && started.session.ID != "" {
		_ = s.sessions.TryDispatchNextMessage(ctx, started.session)
		return
	}
	workspace, err := s.store.FindByIDWithProject(ctx, workspaceID)
	if err != nil {
		s.logger.Printf("catch-up dispatch fetch for %s: %v", workspaceID, err)
		return
	}
	for _, status := range []model.SessionStatus{model.SessionStatusRunning, model.SessionStatusIdle} {
		for _, session := range workspace.Sessions {
			if session.Status == status {
				_ = s.sessions.TryDispatchNextMessage(ctx, session)
				return
			}
		}
	}
}
