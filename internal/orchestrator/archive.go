package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/purplefish-ai/factory-factory-sub006/internal/hsm"
	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

type ArchiveOptions struct {
	CommitUncommitted bool
}

// Archive tears a workspace down fail-closed: the three runtime cleanups
// must all succeed before the worktree is touched, and a worktree failure
// rolls the status back to what it was before. A workspace is never left
// half-archived.
func (s *Service) Archive(ctx context.Context, workspaceID string, opts ArchiveOptions) (*model.Workspace, error) {
	workspace, err := s.store.FindByIDWithProject(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if workspace.Status == model.WorkspaceStatusArchived ||
		(!hsm.CanTransition(workspace.Status, model.WorkspaceStatusArchiving) &&
			!hsm.CanTransition(workspace.Status, model.WorkspaceStatusArchived)) {
		return nil, &hsm.InvalidTransitionError{
			WorkspaceID: workspaceID,
			From:        workspace.Status,
			To:          model.WorkspaceStatusArchiving,
		}
	}

	sourceStatus, err := s.lifecycle.StartArchivingWithSourceStatus(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	cleanupErrs := make([]error, 3)
	cleanups := []func() error{
		func() error { return s.sessions.StopWorkspaceSessions(ctx, workspaceID) },
		func() error { return s.scripts.StopRunScript(ctx, workspaceID) },
		func() error { return s.sessions.DestroyTerminals(ctx, workspaceID) },
	}
	for i, cleanup := range cleanups {
		i, cleanup := i, cleanup
		wg.Add(1)
		go func() {
			defer wg.Done()
			cleanupErrs[i] = cleanup()
		}()
	}
	wg.Wait()
	if err := errors.Join(cleanupErrs...); err != nil {
		// Left in ARCHIVING deliberately; a retry picks it up from there.
		s.logger.Printf("archive cleanup for %s failed: %v", workspaceID, err)
		return nil, fmt.Errorf("archive cleanup for %s: %w", workspaceID, err)
	}

	repoPath := ""
	if workspace.Project != nil {
		repoPath = workspace.Project.RepoPath
	}
	if workspace.WorktreePath != "" {
		if err := s.git.CleanupWorkspaceWorktree(ctx, repoPath, workspace.WorktreePath, opts.CommitUncommitted); err != nil {
			if rollbackErr := s.lifecycle.Transition(ctx, workspaceID, sourceStatus); rollbackErr != nil {
				s.logger.Printf("rollback workspace %s to %s failed: %v", workspaceID, sourceStatus, rollbackErr)
			}
			return nil, err
		}
	}

	if err := s.lifecycle.Transition(ctx, workspaceID, model.WorkspaceStatusArchived); err != nil {
		return nil, err
	}

	if workspace.LinkedIssueID != "" && workspace.PRState == model.PullRequestStateMerged && workspace.PRURL != "" {
		body := fmt.Sprintf("Workspace archived; work merged in %s.", workspace.PRURL)
		if err := s.host.AddIssueComment(ctx, repoPath, workspace.LinkedIssueID, body); err != nil {
			s.logger.Printf("issue comment for archived workspace %s: %v", workspaceID, err)
		}
	}

	return s.store.FindByID(ctx, workspaceID)
}
