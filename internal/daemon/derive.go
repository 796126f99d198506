package daemon

import (
	"strings"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/snapshot"
)

// Derivers builds the presentation-field derivation set the snapshot store
// recomputes on every write.
func Derivers() snapshot.Derivers {
	return snapshot.Derivers{
		SidebarStatus: deriveSidebarStatus,
		KanbanColumn:  deriveKanbanColumn,
		FlowPhase:     deriveFlowPhase,
		CIObservation: deriveCIObservation,
	}
}

func deriveSidebarStatus(entry snapshot.Entry) string {
	switch {
	case entry.Status == model.WorkspaceStatusFailed:
		return "error"
	case entry.PendingRequestType != "":
		return "needs_attention"
	case entry.IsWorking:
		return "working"
	default:
		return strings.ToLower(string(entry.Status))
	}
}

func deriveKanbanColumn(entry snapshot.Entry) string {
	switch entry.Status {
	case model.WorkspaceStatusNew, model.WorkspaceStatusProvisioning:
		return "setting_up"
	case model.WorkspaceStatusFailed:
		return "blocked"
	case model.WorkspaceStatusArchiving, model.WorkspaceStatusArchived:
		return "archived"
	}
	switch entry.PRState {
	case model.PullRequestStateMerged:
		return "done"
	case model.PullRequestStateOpen, model.PullRequestStateDraft:
		return "in_review"
	}
	return "in_progress"
}

func deriveFlowPhase(entry snapshot.Entry) string {
	switch {
	case entry.Status == model.WorkspaceStatusProvisioning:
		return "provisioning"
	case entry.PendingRequestType != "":
		return "awaiting_input"
	case entry.IsWorking:
		return "executing"
	case entry.PRState == model.PullRequestStateMerged:
		return "merged"
	case entry.PRURL != "":
		return "review"
	default:
		return "idle"
	}
}

func deriveCIObservation(entry snapshot.Entry) string {
	if entry.PRURL == "" || entry.PRCIStatus == "" || entry.PRCIStatus == model.CIStatusNone {
		return ""
	}
	return "ci_" + strings.ToLower(string(entry.PRCIStatus))
}
