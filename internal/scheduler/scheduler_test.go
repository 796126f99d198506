package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/github"
	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

type fakeStore struct {
	needingSync      []model.Workspace
	needingDiscovery []model.Workspace
	staleMinutes     int
}

func (s *fakeStore) FindNeedingPRSync(_ context.Context, staleMinutes int) ([]model.Workspace, error) {
	s.staleMinutes = staleMinutes
	return s.needingSync, nil
}

func (s *fakeStore) FindNeedingPRDiscovery(_ context.Context) ([]model.Workspace, error) {
	return s.needingDiscovery, nil
}

type fakeHost struct {
	mu          sync.Mutex
	refreshed   []string
	refreshErrs map[string]error
	prs         map[string]*model.PullRequestRef
	findErrs    map[string]error
	attachErrs  map[string]error
	attached    []string
}

func (h *fakeHost) RefreshWorkspace(_ context.Context, workspaceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.refreshErrs[workspaceID]; err != nil {
		return err
	}
	h.refreshed = append(h.refreshed, workspaceID)
	return nil
}

func (h *fakeHost) FindPRForBranch(_ context.Context, _ string, branch string, _ time.Time) (*model.PullRequestRef, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.findErrs[branch]; err != nil {
		return nil, err
	}
	return h.prs[branch], nil
}

func (h *fakeHost) AttachAndRefreshPR(_ context.Context, workspaceID string, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.attachErrs[workspaceID]; err != nil {
		return err
	}
	h.attached = append(h.attached, workspaceID)
	return nil
}

func newTestScheduler(store WorkspaceStore, host CodeHost) *Scheduler {
	return New(store, host, log.New(io.Discard, "", 0), Options{StaleMinutes: 7})
}

func TestSyncCountsAndSkips(t *testing.T) {
	store := &fakeStore{needingSync: []model.Workspace{
		{ID: "ws-ok", PRURL: "https://github.com/o/r/pull/1"},
		{ID: "ws-fail", PRURL: "https://github.com/o/r/pull/2"},
		{ID: "ws-nopr"},
	}}
	host := &fakeHost{refreshErrs: map[string]error{"ws-fail": errors.New("rate limited")}}

	result, err := newTestScheduler(store, host).SyncPRStatuses(context.Background())
	if err != nil {
		t.Fatalf("SyncPRStatuses: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if store.staleMinutes != 7 {
		t.Fatalf("staleness threshold not forwarded, got %d", store.staleMinutes)
	}
	if len(host.refreshed) != 1 || host.refreshed[0] != "ws-ok" {
		t.Fatalf("unexpected refresh calls %v", host.refreshed)
	}
}

func TestDiscoveryAttachesFoundPRs(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	store := &fakeStore{needingDiscovery: []model.Workspace{
		{ID: "ws-hit", BranchName: "feature-a", CreatedAt: created},
		{ID: "ws-miss", BranchName: "feature-b", CreatedAt: created},
	}}
	host := &fakeHost{prs: map[string]*model.PullRequestRef{
		"feature-a": {URL: "https://github.com/o/r/pull/7", Number: 7},
	}}

	result, err := newTestScheduler(store, host).DiscoverNewPRs(context.Background())
	if err != nil {
		t.Fatalf("DiscoverNewPRs: %v", err)
	}
	if result.Checked != 2 || result.Discovered != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(host.attached) != 1 || host.attached[0] != "ws-hit" {
		t.Fatalf("unexpected attaches %v", host.attached)
	}
}

func TestDiscoveryFetchFailedStillCounts(t *testing.T) {
	store := &fakeStore{needingDiscovery: []model.Workspace{
		{ID: "ws-1", BranchName: "feature-a"},
	}}
	host := &fakeHost{
		prs: map[string]*model.PullRequestRef{"feature-a": {URL: "https://github.com/o/r/pull/3"}},
		attachErrs: map[string]error{"ws-1": &github.AttachError{
			WorkspaceID: "ws-1",
			Reason:      github.AttachReasonFetchFailed,
			Err:         errors.New("gh timed out"),
		}},
	}

	result, err := newTestScheduler(store, host).DiscoverNewPRs(context.Background())
	if err != nil {
		t.Fatalf("DiscoverNewPRs: %v", err)
	}
	if result.Discovered != 1 {
		t.Fatalf("fetch_failed attach must still count as discovered, got %+v", result)
	}
}

func TestDiscoveryOtherAttachFailuresDoNotCount(t *testing.T) {
	store := &fakeStore{needingDiscovery: []model.Workspace{
		{ID: "ws-1", BranchName: "feature-a"},
	}}
	host := &fakeHost{
		prs: map[string]*model.PullRequestRef{"feature-a": {URL: "https://github.com/o/r/pull/3"}},
		attachErrs: map[string]error{"ws-1": &github.AttachError{
			WorkspaceID: "ws-1",
			Reason:      github.AttachReasonWorkspaceNotFound,
			Err:         errors.New("gone"),
		}},
	}

	result, err := newTestScheduler(store, host).DiscoverNewPRs(context.Background())
	if err != nil {
		t.Fatalf("DiscoverNewPRs: %v", err)
	}
	if result.Discovered != 0 || result.Checked != 1 {
		t.Fatalf("workspace_not_found must not count, got %+v", result)
	}
}

func TestShutdownFlagStopsNewWork(t *testing.T) {
	store := &fakeStore{needingSync: []model.Workspace{
		{ID: "ws-1", PRURL: "https://github.com/o/r/pull/1"},
	}}
	host := &fakeHost{}

	s := newTestScheduler(store, host)
	s.shuttingDown.Store(true)

	result, err := s.SyncPRStatuses(context.Background())
	if err != nil {
		t.Fatalf("SyncPRStatuses: %v", err)
	}
	if result.Synced != 0 || result.Failed != 0 {
		t.Fatalf("no work should launch during shutdown, got %+v", result)
	}
	if len(host.refreshed) != 0 {
		t.Fatalf("refresh must not be called during shutdown")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(&fakeStore{}, &fakeHost{}, log.New(io.Discard, "", 0), Options{Interval: time.Hour})
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
