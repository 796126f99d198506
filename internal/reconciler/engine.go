// Package reconciler periodically rebuilds the snapshot projection from
// authoritative state, heals drift introduced by lost or reordered events,
// and evicts entries for archived workspaces.
package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/snapshot"
)

const (
	defaultInterval  = 60 * time.Second
	defaultPoolWidth = 3
)

type WorkspaceStore interface {
	FindAllNonArchivedWithSessionsAndProject(ctx context.Context) ([]model.Workspace, error)
}

type SessionRuntime interface {
	GetAllPendingRequests(ctx context.Context) (map[string][]model.PendingRequest, error)
	IsAnySessionWorking(sessions []model.Session) bool
}

type GitStatsProvider interface {
	GetWorkspaceGitStats(ctx context.Context, worktreePath string, baseBranch string) (*model.GitStats, error)
}

// Result summarizes one reconciliation cycle.
type Result struct {
	Workspaces    int
	Drifts        int
	StaleRemoved  int
	StatsComputed int
	Duration      time.Duration
}

type Engine struct {
	store     WorkspaceStore
	sessions  SessionRuntime
	git       GitStatsProvider
	snapshots *snapshot.Store
	logger    *log.Logger
	interval  time.Duration
	poolWidth int

	mu        sync.Mutex
	cycleDone chan struct{}
	stop      chan struct{}
	done      chan struct{}
	running   bool
}

type Options struct {
	Interval  time.Duration
	PoolWidth int
}

func NewEngine(store WorkspaceStore, sessions SessionRuntime, git GitStatsProvider, snapshots *snapshot.Store, logger *log.Logger, opts Options) *Engine {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	poolWidth := opts.PoolWidth
	if poolWidth <= 0 {
		poolWidth = defaultPoolWidth
	}
	return &Engine{
		store:     store,
		sessions:  sessions,
		git:       git,
		snapshots: snapshots,
		logger:    logger,
		interval:  interval,
		poolWidth: poolWidth,
	}
}

// Start runs an immediate cycle, then one per interval. Ticks are skipped
// while a cycle is still in flight.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	if _, _, err := e.Reconcile(ctx); err != nil {
		e.logger.Printf("reconcile cycle failed: %v", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ran, err := e.Reconcile(ctx); err != nil {
				e.logger.Printf("reconcile cycle failed: %v", err)
			} else if !ran {
				e.logger.Printf("reconcile tick skipped: previous cycle still running")
			}
		}
	}
}

// Stop halts the timer and waits for any in-flight cycle to finish. The
// cycle is awaited, never aborted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	<-e.done

	e.mu.Lock()
	inFlight := e.cycleDone
	e.mu.Unlock()
	if inFlight != nil {
		<-inFlight
	}
}

// Reconcile runs one cycle. The second return is false when another cycle
// already holds the in-flight slot, in which case nothing was done.
func (e *Engine) Reconcile(ctx context.Context) (Result, bool, error) {
	e.mu.Lock()
	if e.cycleDone != nil {
		e.mu.Unlock()
		return Result{}, false, nil
	}
	cycleDone := make(chan struct{})
	e.cycleDone = cycleDone
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cycleDone = nil
		e.mu.Unlock()
		close(cycleDone)
	}()

	result, err := e.runCycle(ctx)
	return result, true, err
}

func (e *Engine) runCycle(ctx context.Context) (Result, error) {
	started := time.Now()
	pollStartTs := started.UTC()

	workspaces, err := e.store.FindAllNonArchivedWithSessionsAndProject(ctx)
	if err != nil {
		return Result{}, err
	}

	pending, err := e.sessions.GetAllPendingRequests(ctx)
	if err != nil {
		e.logger.Printf("pending request fetch failed, continuing without: %v", err)
		pending = map[string][]model.PendingRequest{}
	}

	stats, computed := e.collectGitStats(ctx, workspaces)

	result := Result{Workspaces: len(workspaces), StatsComputed: computed}
	seen := make(map[string]bool, len(workspaces))
	for i := range workspaces {
		ws := &workspaces[i]
		seen[ws.ID] = true
		fields := e.assembleFields(ws, pending, stats[ws.ID])

		if existing, ok := e.snapshots.GetByWorkspaceID(ws.ID); ok {
			drifts := snapshot.DetectDrift(existing, fields)
			for _, drift := range drifts {
				e.logger.Printf("drift on workspace %s %s.%s: snapshot=%v authoritative=%v",
					ws.ID, drift.Group, drift.Field, drift.SnapshotValue, drift.AuthoritativeValue)
			}
			result.Drifts += len(drifts)
		}

		e.snapshots.Upsert(ws.ID, fields, snapshot.SourceReconciliation, pollStartTs)
	}

	for _, id := range e.snapshots.AllWorkspaceIDs() {
		if !seen[id] {
			e.snapshots.Remove(id)
			result.StaleRemoved++
		}
	}

	result.Duration = time.Since(started)
	return result, nil
}

// collectGitStats computes worktree statistics through a fixed-width pool.
// Workspaces without a worktree skip the computation; a failed computation
// records nil for that workspace only.
func (e *Engine) collectGitStats(ctx context.Context, workspaces []model.Workspace) (map[string]*model.GitStats, int) {
	out := make(map[string]*model.GitStats, len(workspaces))
	computed := 0

	sem := make(chan struct{}, e.poolWidth)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := range workspaces {
		ws := workspaces[i]
		if ws.WorktreePath == "" {
			out[ws.ID] = nil
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			stats, err := e.git.GetWorkspaceGitStats(ctx, ws.WorktreePath, baseBranch(&ws))
			mu.Lock()
			defer mu.Unlock()
			if err != nil || stats == nil {
				if err != nil {
					e.logger.Printf("git stats for workspace %s failed: %v", ws.ID, err)
				}
				out[ws.ID] = nil
				return
			}
			out[ws.ID] = stats
			computed++
		}()
	}
	wg.Wait()
	return out, computed
}

func (e *Engine) assembleFields(ws *model.Workspace, pending map[string][]model.PendingRequest, stats *model.GitStats) snapshot.Fields {
	working := e.sessions.IsAnySessionWorking(ws.Sessions)
	pendingType := resolvePendingType(ws.Sessions, pending)
	summaries := make([]model.SessionSummary, 0, len(ws.Sessions))
	for _, session := range ws.Sessions {
		summaries = append(summaries, model.SessionSummary{
			ID:     session.ID,
			Name:   session.Name,
			Status: session.Status,
		})
	}

	fields := snapshot.Fields{
		ProjectID: &ws.ProjectID,
		Workspace: &snapshot.WorkspaceFields{
			Status:           &ws.Status,
			Name:             &ws.Name,
			BranchName:       &ws.BranchName,
			WorktreePath:     &ws.WorktreePath,
			GitStatsComputed: true,
			GitStats:         stats,
		},
		PR: &snapshot.PRFields{
			URL:      &ws.PRURL,
			Number:   &ws.PRNumber,
			State:    &ws.PRState,
			CIStatus: &ws.PRCIStatus,
		},
		Ratchet: &snapshot.RatchetFields{
			Enabled: &ws.RatchetEnabled,
			State:   &ws.RatchetState,
		},
		RunScript: &snapshot.RunScriptFields{
			Status: &ws.RunScriptStatus,
		},
		Session: &snapshot.SessionFields{
			IsWorking:          &working,
			PendingRequestType: &pendingType,
			SessionSummaries:   summaries,
			LastActivityAt:     lastActivityAt(ws),
		},
	}
	if ws.PRUpdatedAt != nil {
		ts := *ws.PRUpdatedAt
		fields.PR.UpdatedAt = &ts
	}
	return fields
}

// resolvePendingType classifies the workspace's pending-request state. The
// first session in encounter order that has pending requests decides;
// within that session a plan approval wins over a user question.
func resolvePendingType(sessions []model.Session, pending map[string][]model.PendingRequest) model.PendingRequestType {
	for _, session := range sessions {
		requests := pending[session.ID]
		if len(requests) == 0 {
			continue
		}
		for _, request := range requests {
			if request.Type == model.PendingRequestPlanApproval {
				return model.PendingRequestPlanApproval
			}
		}
		return requests[0].Type
	}
	return ""
}

// lastActivityAt is the max update timestamp across sessions and terminals,
// nil when the workspace has neither.
func lastActivityAt(ws *model.Workspace) *time.Time {
	var latest time.Time
	for _, session := range ws.Sessions {
		if session.UpdatedAt.After(latest) {
			latest = session.UpdatedAt
		}
	}
	for _, terminal := range ws.Terminals {
		if terminal.UpdatedAt.After(latest) {
			latest = terminal.UpdatedAt
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}

func baseBranch(ws *model.Workspace) string {
	if ws.Project != nil && ws.Project.DefaultBranch != "" {
		return ws.Project.DefaultBranch
	}
	return "main"
}
