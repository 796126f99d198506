package model

import "time"

type WorkspaceStatus string

const (
	WorkspaceStatusNew          WorkspaceStatus = "NEW"
	WorkspaceStatusProvisioning WorkspaceStatus = "PROVISIONING"
	WorkspaceStatusReady        WorkspaceStatus = "READY"
	WorkspaceStatusFailed       WorkspaceStatus = "FAILED"
	WorkspaceStatusArchiving    WorkspaceStatus = "ARCHIVING"
	WorkspaceStatusArchived     WorkspaceStatus = "ARCHIVED"
)

type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "STARTING"
	SessionStatusRunning  SessionStatus = "RUNNING"
	SessionStatusIdle     SessionStatus = "IDLE"
	SessionStatusStopped  SessionStatus = "STOPPED"
	SessionStatusFailed   SessionStatus = "FAILED"
)

type PullRequestState string

const (
	PullRequestStateDraft  PullRequestState = "DRAFT"
	PullRequestStateOpen   PullRequestState = "OPEN"
	PullRequestStateMerged PullRequestState = "MERGED"
	PullRequestStateClosed PullRequestState = "CLOSED"
)

type CIStatus string

const (
	CIStatusPending CIStatus = "PENDING"
	CIStatusPassing CIStatus = "PASSING"
	CIStatusFailing CIStatus = "FAILING"
	CIStatusNone    CIStatus = "NONE"
)

type RatchetState string

const (
	RatchetStateIdle         RatchetState = "IDLE"
	RatchetStateWaitingForCI RatchetState = "WAITING_FOR_CI"
	RatchetStatePromptQueued RatchetState = "PROMPT_QUEUED"
	RatchetStateStopped      RatchetState = "STOPPED"
)

type RunScriptStatus string

const (
	RunScriptStatusNotStarted RunScriptStatus = "NOT_STARTED"
	RunScriptStatusRunning    RunScriptStatus = "RUNNING"
	RunScriptStatusStopped    RunScriptStatus = "STOPPED"
	RunScriptStatusFailed     RunScriptStatus = "FAILED"
)

type PendingRequestType string

const (
	PendingRequestPlanApproval PendingRequestType = "plan_approval"
	PendingRequestUserQuestion PendingRequestType = "user_question"
)

// InitMode is the sidecar flag persisted alongside a workspace before its
// initialization pipeline runs, recording how the worktree branch should be
// obtained. It is cleared once a worktree actually exists.
type InitMode string

const (
	InitModeNone           InitMode = ""
	InitModeNewBranch      InitMode = "new_branch"
	InitModeExistingBranch InitMode = "existing_branch"
)

type Project struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	RepoPath      string
	DefaultBranch string
	// StartupScript is the project-level command run after provisioning when
	// the workspace config does not declare its own setup script. Empty means
	// the project has no startup capability.
	StartupScript string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p *Project) HasStartupScript() bool {
	return p != nil && p.StartupScript != ""
}

type Workspace struct {
	ID                    string `gorm:"primaryKey"`
	Name                  string
	Status                WorkspaceStatus
	ProjectID             string
	Project               *Project `gorm:"foreignKey:ProjectID"`
	WorktreePath          string
	BranchName            string
	IsAutoGeneratedBranch bool

	PRURL       string
	PRNumber    int
	PRState     PullRequestState
	PRCIStatus  CIStatus
	PRUpdatedAt *time.Time

	RatchetEnabled bool
	RatchetState   RatchetState

	RunScriptStatus  RunScriptStatus
	RunScriptCommand string

	LinkedIssueID string

	ProvisionAttempts int
	FailureReason     string

	Sessions  []Session  `gorm:"foreignKey:WorkspaceID"`
	Terminals []Terminal `gorm:"foreignKey:WorkspaceID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Session struct {
	ID          string `gorm:"primaryKey"`
	WorkspaceID string
	Name        string
	Status      SessionStatus
	TmuxSession string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Terminal struct {
	ID          string `gorm:"primaryKey"`
	WorkspaceID string
	TmuxSession string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GitStats is the worktree-derived statistic computed during reconciliation.
// A nil *GitStats on a snapshot entry means the computation was skipped
// (no worktree) or failed for that workspace.
type GitStats struct {
	Additions             int  `json:"additions"`
	Deletions             int  `json:"deletions"`
	FilesChanged          int  `json:"files_changed"`
	HasUncommittedChanges bool `json:"has_uncommitted_changes"`
}

type SessionSummary struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status SessionStatus `json:"status"`
}

// PendingRequest is one outstanding agent-side request (a tool waiting on a
// human decision), keyed by session id in the session runtime.
type PendingRequest struct {
	SessionID string             `json:"session_id"`
	Type      PendingRequestType `json:"type"`
	Prompt    string             `json:"prompt,omitempty"`
}

// PullRequestRef is a PR located on the code host for a branch.
type PullRequestRef struct {
	URL       string           `json:"url"`
	Number    int              `json:"number"`
	State     PullRequestState `json:"state"`
	CIStatus  CIStatus         `json:"ci_status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Issue struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	State string `json:"state"`
	URL   string `json:"url"`
}
