// Package scheduler runs the periodic PR maintenance batches: refreshing
// stale PR status and discovering PRs that appeared for workspace branches.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/github"
	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

const (
	defaultInterval     = 120 * time.Second
	defaultPoolWidth    = 4
	defaultStaleMinutes = 10
)

type WorkspaceStore interface {
	FindNeedingPRSync(ctx context.Context, staleMinutes int) ([]model.Workspace, error)
	FindNeedingPRDiscovery(ctx context.Context) ([]model.Workspace, error)
}

type CodeHost interface {
	RefreshWorkspace(ctx context.Context, workspaceID string) error
	FindPRForBranch(ctx context.Context, repoPath string, branch string, since time.Time) (*model.PullRequestRef, error)
	AttachAndRefreshPR(ctx context.Context, workspaceID string, prURL string) error
}

// SyncResult summarizes one PR status sync batch.
type SyncResult struct {
	Synced int
	Failed int
}

// DiscoveryResult summarizes one PR discovery batch.
type DiscoveryResult struct {
	Discovered int
	Checked    int
}

type Scheduler struct {
	store        WorkspaceStore
	host         CodeHost
	logger       *log.Logger
	interval     time.Duration
	poolWidth    int
	staleMinutes int

	shuttingDown atomic.Bool

	mu        sync.Mutex
	batchDone chan struct{}
	stop      chan struct{}
	done      chan struct{}
	running   bool
}

type Options struct {
	Interval     time.Duration
	PoolWidth    int
	StaleMinutes int
}

func New(store WorkspaceStore, host CodeHost, logger *log.Logger, opts Options) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	poolWidth := opts.PoolWidth
	if poolWidth <= 0 {
		poolWidth = defaultPoolWidth
	}
	staleMinutes := opts.StaleMinutes
	if staleMinutes <= 0 {
		staleMinutes = defaultStaleMinutes
	}
	return &Scheduler{
		store:        store,
		host:         host,
		logger:       logger,
		interval:     interval,
		poolWidth:    poolWidth,
		staleMinutes: staleMinutes,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.shuttingDown.Store(false)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.runTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// Stop raises the shutdown flag, halts the timer, and waits for the
// in-flight batch. Started work runs to completion; no new work launches.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.shuttingDown.Store(true)
	close(s.stop)
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	inFlight := s.batchDone
	s.mu.Unlock()
	if inFlight != nil {
		<-inFlight
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.mu.Lock()
	if s.batchDone != nil {
		s.mu.Unlock()
		s.logger.Printf("scheduler tick skipped: previous batch still running")
		return
	}
	batchDone := make(chan struct{})
	s.batchDone = batchDone
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batchDone = nil
		s.mu.Unlock()
		close(batchDone)
	}()

	if !s.shuttingDown.Load() {
		if result, err := s.SyncPRStatuses(ctx); err != nil {
			s.logger.Printf("pr status sync failed: %v", err)
		} else if result.Synced > 0 || result.Failed > 0 {
			s.logger.Printf("pr status sync: %d synced, %d failed", result.Synced, result.Failed)
		}
	}
	if !s.shuttingDown.Load() {
		if result, err := s.DiscoverNewPRs(ctx); err != nil {
			s.logger.Printf("pr discovery failed: %v", err)
		} else if result.Discovered > 0 {
			s.logger.Printf("pr discovery: %d found across %d checked", result.Discovered, result.Checked)
		}
	}
}

// SyncPRStatuses refreshes PR data for workspaces whose cached PR state has
// gone stale. Workspaces without a PR URL are skipped without counting.
func (s *Scheduler) SyncPRStatuses(ctx context.Context) (SyncResult, error) {
	workspaces, err := s.store.FindNeedingPRSync(ctx, s.staleMinutes)
	if err != nil {
		return SyncResult{}, err
	}

	var synced, failed atomic.Int64
	sem := make(chan struct{}, s.poolWidth)
	var wg sync.WaitGroup
	for i := range workspaces {
		ws := workspaces[i]
		if ws.PRURL == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if s.shuttingDown.Load() {
				return
			}
			if err := s.host.RefreshWorkspace(ctx, ws.ID); err != nil {
				s.logger.Printf("pr refresh for workspace %s failed: %v", ws.ID, err)
				failed.Add(1)
				return
			}
			synced.Add(1)
		}()
	}
	wg.Wait()
	return SyncResult{Synced: int(synced.Load()), Failed: int(failed.Load())}, nil
}

// DiscoverNewPRs looks for PRs that appeared for branches that have none
// attached yet. A match attaches through the canonical attach-and-refresh
// path; an attach whose only failure was the follow-up status fetch still
// counts as discovered.
func (s *Scheduler) DiscoverNewPRs(ctx context.Context) (DiscoveryResult, error) {
	workspaces, err := s.store.FindNeedingPRDiscovery(ctx)
	if err != nil {
		return DiscoveryResult{}, err
	}

	var discovered, checked atomic.Int64
	sem := make(chan struct{}, s.poolWidth)
	var wg sync.WaitGroup
	for i := range workspaces {
		ws := workspaces[i]
		if ws.BranchName == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if s.shuttingDown.Load() {
				return
			}
			checked.Add(1)

			repoPath := ""
			if ws.Project != nil {
				repoPath = ws.Project.RepoPath
			}
			ref, err := s.host.FindPRForBranch(ctx, repoPath, ws.BranchName, ws.CreatedAt)
			if err != nil {
				s.logger.Printf("pr lookup for branch %s failed: %v", ws.BranchName, err)
				return
			}
			if ref == nil {
				return
			}
			if err := s.host.AttachAndRefreshPR(ctx, ws.ID, ref.URL); err != nil {
				var attachErr *github.AttachError
				if errors.As(err, &attachErr) && attachErr.Reason == github.AttachReasonFetchFailed {
					// The PR URL is persisted; only the status fetch failed.
					// The sync batch will repair the rest.
					discovered.Add(1)
				}
				s.logger.Printf("pr attach for workspace %s failed: %v", ws.ID, err)
				return
			}
			discovered.Add(1)
		}()
	}
	wg.Wait()
	return DiscoveryResult{Discovered: int(discovered.Load()), Checked: int(checked.Load())}, nil
}
