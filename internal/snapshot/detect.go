package snapshot

import (
	"reflect"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

// Drift is one mismatch between the cached projection and a freshly
// computed authoritative value. Cycle-scoped: logged and counted, never
// persisted.
type Drift struct {
	Field              string
	Group              FieldGroup
	SnapshotValue      any
	AuthoritativeValue any
}

// DetectDrift compares an existing entry against an authoritative field set
// and returns one Drift per defined field whose values disagree. Fields
// absent from the authoritative set are skipped. Pure; no side effects.
func DetectDrift(existing Entry, authoritative Fields) []Drift {
	drifts := []Drift{}

	if ws := authoritative.Workspace; ws != nil {
		if ws.Status != nil && *ws.Status != existing.Status {
			drifts = append(drifts, Drift{Field: "status", Group: GroupWorkspace, SnapshotValue: existing.Status, AuthoritativeValue: *ws.Status})
		}
		if ws.Name != nil && *ws.Name != existing.Name {
			drifts = append(drifts, Drift{Field: "name", Group: GroupWorkspace, SnapshotValue: existing.Name, AuthoritativeValue: *ws.Name})
		}
		if ws.BranchName != nil && *ws.BranchName != existing.BranchName {
			drifts = append(drifts, Drift{Field: "branchName", Group: GroupWorkspace, SnapshotValue: existing.BranchName, AuthoritativeValue: *ws.BranchName})
		}
	}

	if pr := authoritative.PR; pr != nil {
		if pr.State != nil && *pr.State != existing.PRState {
			drifts = append(drifts, Drift{Field: "prState", Group: GroupPR, SnapshotValue: existing.PRState, AuthoritativeValue: *pr.State})
		}
		if pr.CIStatus != nil && *pr.CIStatus != existing.PRCIStatus {
			drifts = append(drifts, Drift{Field: "prCiStatus", Group: GroupPR, SnapshotValue: existing.PRCIStatus, AuthoritativeValue: *pr.CIStatus})
		}
		if pr.Number != nil && *pr.Number != existing.PRNumber {
			drifts = append(drifts, Drift{Field: "prNumber", Group: GroupPR, SnapshotValue: existing.PRNumber, AuthoritativeValue: *pr.Number})
		}
	}

	if ratchet := authoritative.Ratchet; ratchet != nil {
		if ratchet.Enabled != nil && *ratchet.Enabled != existing.RatchetEnabled {
			drifts = append(drifts, Drift{Field: "ratchetEnabled", Group: GroupRatchet, SnapshotValue: existing.RatchetEnabled, AuthoritativeValue: *ratchet.Enabled})
		}
		if ratchet.State != nil && *ratchet.State != existing.RatchetState {
			drifts = append(drifts, Drift{Field: "ratchetState", Group: GroupRatchet, SnapshotValue: existing.RatchetState, AuthoritativeValue: *ratchet.State})
		}
	}

	if runScript := authoritative.RunScript; runScript != nil {
		if runScript.Status != nil && *runScript.Status != existing.RunScriptStatus {
			drifts = append(drifts, Drift{Field: "runScriptStatus", Group: GroupRunScript, SnapshotValue: existing.RunScriptStatus, AuthoritativeValue: *runScript.Status})
		}
	}

	if session := authoritative.Session; session != nil {
		if session.IsWorking != nil && *session.IsWorking != existing.IsWorking {
			drifts = append(drifts, Drift{Field: "isWorking", Group: GroupSession, SnapshotValue: existing.IsWorking, AuthoritativeValue: *session.IsWorking})
		}
		if session.PendingRequestType != nil && *session.PendingRequestType != existing.PendingRequestType {
			drifts = append(drifts, Drift{Field: "pendingRequestType", Group: GroupSession, SnapshotValue: existing.PendingRequestType, AuthoritativeValue: *session.PendingRequestType})
		}
		if session.SessionSummaries != nil && !summariesEqual(session.SessionSummaries, existing.SessionSummaries) {
			drifts = append(drifts, Drift{Field: "sessionSummaries", Group: GroupSession, SnapshotValue: existing.SessionSummaries, AuthoritativeValue: session.SessionSummaries})
		}
	}

	return drifts
}

// summariesEqual is element-wise deep equality. A nil slice and an empty
// slice both mean "zero sessions" and must not count as drift.
func summariesEqual(a, b []model.SessionSummary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
