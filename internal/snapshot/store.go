package snapshot

import (
	"sync"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

type FieldGroup string

const (
	GroupWorkspace      FieldGroup = "workspace"
	GroupPR             FieldGroup = "pr"
	GroupSession        FieldGroup = "session"
	GroupRatchet        FieldGroup = "ratchet"
	GroupRunScript      FieldGroup = "runScript"
	GroupReconciliation FieldGroup = "reconciliation"
)

// SourceReconciliation is the provenance tag for writes made by the
// reconciliation engine. Event-driven writes carry their event name instead.
const SourceReconciliation = "reconciliation"

// Entry is the cached projection for one live workspace. It is owned and
// exclusively mutated by the Store.
type Entry struct {
	WorkspaceID string
	ProjectID   string
	Version     int64
	ComputedAt  time.Time
	Source      string

	Status       model.WorkspaceStatus
	Name         string
	BranchName   string
	WorktreePath string
	GitStats     *model.GitStats

	PRURL       string
	PRNumber    int
	PRState     model.PullRequestState
	PRCIStatus  model.CIStatus
	PRUpdatedAt *time.Time

	RatchetEnabled bool
	RatchetState   model.RatchetState

	RunScriptStatus model.RunScriptStatus

	IsWorking          bool
	PendingRequestType model.PendingRequestType
	SessionSummaries   []model.SessionSummary
	LastActivityAt     *time.Time

	// Derived presentation fields, recomputed on every write by the injected
	// derivers. Derivation logic lives outside this package.
	SidebarStatus string
	KanbanColumn  string
	FlowPhase     string
	CIObservation string

	FieldTimestamps map[FieldGroup]time.Time
}

type WorkspaceFields struct {
	Status       *model.WorkspaceStatus
	Name         *string
	BranchName   *string
	WorktreePath *string
	// GitStatsComputed marks that the statistic was attempted this write;
	// GitStats stays nil for a skipped or failed computation, and the nil is
	// recorded on the entry.
	GitStatsComputed bool
	GitStats         *model.GitStats
}

type PRFields struct {
	URL       *string
	Number    *int
	State     *model.PullRequestState
	CIStatus  *model.CIStatus
	UpdatedAt *time.Time
}

type SessionFields struct {
	IsWorking          *bool
	PendingRequestType *model.PendingRequestType
	SessionSummaries   []model.SessionSummary
	LastActivityAt     *time.Time
}

type RatchetFields struct {
	Enabled *bool
	State   *model.RatchetState
}

type RunScriptFields struct {
	Status *model.RunScriptStatus
}

// Fields is a partial update. A nil group is untouched; inside a group, nil
// pointers leave the existing value alone.
type Fields struct {
	ProjectID *string
	Workspace *WorkspaceFields
	PR        *PRFields
	Session   *SessionFields
	Ratchet   *RatchetFields
	RunScript *RunScriptFields
}

// Derivers are the injected pure functions that compute presentation fields
// from a freshly merged entry.
type Derivers struct {
	SidebarStatus func(Entry) string
	KanbanColumn  func(Entry) string
	FlowPhase     func(Entry) string
	CIObservation func(Entry) string
}

// Store is the process-wide projection cache. All mutation happens under the
// mutex with no blocking calls inside, so writers never observe a
// half-merged entry.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	derivers Derivers
}

func NewStore(derivers Derivers) *Store {
	return &Store{
		entries:  make(map[string]*Entry),
		derivers: derivers,
	}
}

// Upsert merges fields into the entry for workspaceID, creating it if
// absent. Each touched field group is stamped with writeTs unless its stored
// timestamp is newer: a write may never regress a group's watermark. Equal
// timestamps are accepted, so several writes sharing one reconciliation
// pollStartTs all land. Returns the post-merge version.
func (s *Store) Upsert(workspaceID string, fields Fields, source string, writeTs time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[workspaceID]
	if !ok {
		entry = &Entry{
			WorkspaceID:     workspaceID,
			FieldTimestamps: make(map[FieldGroup]time.Time),
		}
		s.entries[workspaceID] = entry
	}

	if fields.ProjectID != nil {
		entry.ProjectID = *fields.ProjectID
	}
	if fields.Workspace != nil && s.groupWritable(entry, GroupWorkspace, writeTs) {
		applyWorkspaceFields(entry, fields.Workspace)
		entry.FieldTimestamps[GroupWorkspace] = writeTs
	}
	if fields.PR != nil && s.groupWritable(entry, GroupPR, writeTs) {
		applyPRFields(entry, fields.PR)
		entry.FieldTimestamps[GroupPR] = writeTs
	}
	if fields.Session != nil && s.groupWritable(entry, GroupSession, writeTs) {
		applySessionFields(entry, fields.Session)
		entry.FieldTimestamps[GroupSession] = writeTs
	}
	if fields.Ratchet != nil && s.groupWritable(entry, GroupRatchet, writeTs) {
		applyRatchetFields(entry, fields.Ratchet)
		entry.FieldTimestamps[GroupRatchet] = writeTs
	}
	if fields.RunScript != nil && s.groupWritable(entry, GroupRunScript, writeTs) {
		applyRunScriptFields(entry, fields.RunScript)
		entry.FieldTimestamps[GroupRunScript] = writeTs
	}
	if source == SourceReconciliation {
		entry.FieldTimestamps[GroupReconciliation] = writeTs
	}

	entry.Version++
	entry.Source = source
	entry.ComputedAt = time.Now().UTC()
	s.applyDerivers(entry)
	return entry.Version
}

func (s *Store) groupWritable(entry *Entry, group FieldGroup, writeTs time.Time) bool {
	stored, ok := entry.FieldTimestamps[group]
	if !ok {
		return true
	}
	return !writeTs.Before(stored)
}

func (s *Store) applyDerivers(entry *Entry) {
	if s.derivers.SidebarStatus != nil {
		entry.SidebarStatus = s.derivers.SidebarStatus(*entry)
	}
	if s.derivers.KanbanColumn != nil {
		entry.KanbanColumn = s.derivers.KanbanColumn(*entry)
	}
	if s.derivers.FlowPhase != nil {
		entry.FlowPhase = s.derivers.FlowPhase(*entry)
	}
	if s.derivers.CIObservation != nil {
		entry.CIObservation = s.derivers.CIObservation(*entry)
	}
}

// GetByWorkspaceID returns a copy of the entry, or false when none exists.
func (s *Store) GetByWorkspaceID(workspaceID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[workspaceID]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

func (s *Store) AllWorkspaceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) Remove(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, workspaceID)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func applyWorkspaceFields(entry *Entry, fields *WorkspaceFields) {
	if fields.Status != nil {
		entry.Status = *fields.Status
	}
	if fields.Name != nil {
		entry.Name = *fields.Name
	}
	if fields.BranchName != nil {
		entry.BranchName = *fields.BranchName
	}
	if fields.WorktreePath != nil {
		entry.WorktreePath = *fields.WorktreePath
	}
	if fields.GitStatsComputed {
		entry.GitStats = fields.GitStats
	}
}

func applyPRFields(entry *Entry, fields *PRFields) {
	if fields.URL != nil {
		entry.PRURL = *fields.URL
	}
	if fields.Number != nil {
		entry.PRNumber = *fields.Number
	}
	if fields.State != nil {
		entry.PRState = *fields.State
	}
	if fields.CIStatus != nil {
		entry.PRCIStatus = *fields.CIStatus
	}
	if fields.UpdatedAt != nil {
		ts := *fields.UpdatedAt
		entry.PRUpdatedAt = &ts
	}
}

func applySessionFields(entry *Entry, fields *SessionFields) {
	if fields.IsWorking != nil {
		entry.IsWorking = *fields.IsWorking
	}
	if fields.PendingRequestType != nil {
		entry.PendingRequestType = *fields.PendingRequestType
	}
	if fields.SessionSummaries != nil {
		entry.SessionSummaries = copySummaries(fields.SessionSummaries)
	}
	if fields.LastActivityAt != nil {
		ts := *fields.LastActivityAt
		entry.LastActivityAt = &ts
	}
}

func applyRatchetFields(entry *Entry, fields *RatchetFields) {
	if fields.Enabled != nil {
		entry.RatchetEnabled = *fields.Enabled
	}
	if fields.State != nil {
		entry.RatchetState = *fields.State
	}
}

func applyRunScriptFields(entry *Entry, fields *RunScriptFields) {
	if fields.Status != nil {
		entry.RunScriptStatus = *fields.Status
	}
}

// copySummaries keeps the nil/empty distinction: an authoritative empty
// slice means "zero sessions observed" and must survive storage and
// cloning, or it would diff against the next cycle's empty slice.
func copySummaries(src []model.SessionSummary) []model.SessionSummary {
	if src == nil {
		return nil
	}
	out := make([]model.SessionSummary, len(src))
	copy(out, src)
	return out
}

func cloneEntry(entry *Entry) Entry {
	clone := *entry
	clone.SessionSummaries = copySummaries(entry.SessionSummaries)
	clone.FieldTimestamps = make(map[FieldGroup]time.Time, len(entry.FieldTimestamps))
	for group, ts := range entry.FieldTimestamps {
		clone.FieldTimestamps[group] = ts
	}
	if entry.GitStats != nil {
		stats := *entry.GitStats
		clone.GitStats = &stats
	}
	if entry.PRUpdatedAt != nil {
		ts := *entry.PRUpdatedAt
		clone.PRUpdatedAt = &ts
	}
	if entry.LastActivityAt != nil {
		ts := *entry.LastActivityAt
		clone.LastActivityAt = &ts
	}
	return clone
}
