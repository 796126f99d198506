package hsm

import (
	"context"
	"fmt"
	"log"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

// maxProvisionAttempts is the retry ceiling for StartProvisioning. A
// workspace that has already consumed its attempts stays where it is; the
// caller is told not to proceed rather than handed an error.
const maxProvisionAttempts = 3

var workspaceTransitions = map[model.WorkspaceStatus]map[model.WorkspaceStatus]bool{
	model.WorkspaceStatusNew: {
		model.WorkspaceStatusProvisioning: true,
		model.WorkspaceStatusArchiving:    true,
	},
	model.WorkspaceStatusProvisioning: {
		model.WorkspaceStatusReady:  true,
		model.WorkspaceStatusFailed: true,
	},
	model.WorkspaceStatusReady: {
		model.WorkspaceStatusFailed:    true,
		model.WorkspaceStatusArchiving: true,
	},
	model.WorkspaceStatusFailed: {
		model.WorkspaceStatusProvisioning: true,
		model.WorkspaceStatusArchiving:    true,
	},
	model.WorkspaceStatusArchiving: {
		model.WorkspaceStatusArchived: true,
		// rollback targets when worktree cleanup fails mid-archive
		model.WorkspaceStatusNew:    true,
		model.WorkspaceStatusReady:  true,
		model.WorkspaceStatusFailed: true,
	},
}

func CanTransition(from model.WorkspaceStatus, to model.WorkspaceStatus) bool {
	if from == to {
		return true
	}
	return workspaceTransitions[from][to]
}

// InvalidTransitionError is the user-facing rejection for a transition the
// table does not allow. It is returned before any side effect is attempted.
type InvalidTransitionError struct {
	WorkspaceID string
	From        model.WorkspaceStatus
	To          model.WorkspaceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workspace %s cannot transition from %s to %s", e.WorkspaceID, e.From, e.To)
}

// WorkspaceStore is the narrow accessor the machine needs. The persistent
// store's full query surface lives elsewhere.
type WorkspaceStore interface {
	FindByID(ctx context.Context, id string) (*model.Workspace, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

type Machine struct {
	store  WorkspaceStore
	logger *log.Logger
}

func NewMachine(store WorkspaceStore, logger *log.Logger) *Machine {
	return &Machine{store: store, logger: logger}
}

// StartProvisioning attempts NEW/FAILED -> PROVISIONING. It returns false
// without an error when the retry ceiling is exceeded: the caller must treat
// that as "do not proceed", not as a failure.
func (m *Machine) StartProvisioning(ctx context.Context, id string) (bool, error) {
	workspace, err := m.store.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if workspace.ProvisionAttempts >= maxProvisionAttempts {
		if m.logger != nil {
			m.logger.Printf("workspace %s exceeded provisioning retry ceiling (%d attempts)", id, workspace.ProvisionAttempts)
		}
		return false, nil
	}
	if !CanTransition(workspace.Status, model.WorkspaceStatusProvisioning) {
		return false, &InvalidTransitionError{WorkspaceID: id, From: workspace.Status, To: model.WorkspaceStatusProvisioning}
	}
	err = m.store.Update(ctx, id, map[string]any{
		"status":             model.WorkspaceStatusProvisioning,
		"provision_attempts": workspace.ProvisionAttempts + 1,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkReady moves the workspace to READY unconditionally. Callers are
// expected to have validated eligibility through the pipelines.
func (m *Machine) MarkReady(ctx context.Context, id string) error {
	return m.store.Update(ctx, id, map[string]any{
		"status":         model.WorkspaceStatusReady,
		"failure_reason": "",
	})
}

func (m *Machine) MarkFailed(ctx context.Context, id string, reason string) error {
	return m.store.Update(ctx, id, map[string]any{
		"status":         model.WorkspaceStatusFailed,
		"failure_reason": reason,
	})
}

// StartArchivingWithSourceStatus transitions to ARCHIVING and returns the
// status the workspace held immediately before, so a failed archive can roll
// back to exactly where it started.
func (m *Machine) StartArchivingWithSourceStatus(ctx context.Context, id string) (model.WorkspaceStatus, error) {
	workspace, err := m.store.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if !CanTransition(workspace.Status, model.WorkspaceStatusArchiving) {
		return "", &InvalidTransitionError{WorkspaceID: id, From: workspace.Status, To: model.WorkspaceStatusArchiving}
	}
	if err := m.store.Update(ctx, id, map[string]any{"status": model.WorkspaceStatusArchiving}); err != nil {
		return "", err
	}
	return workspace.Status, nil
}

// Transition is the low-level escape hatch used only for rollback paths.
func (m *Machine) Transition(ctx context.Context, id string, status model.WorkspaceStatus) error {
	return m.store.Update(ctx, id, map[string]any{"status": status})
}
