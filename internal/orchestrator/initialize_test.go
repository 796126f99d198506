package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/purplefish-ai/factory-factory-sub006/internal/hsm"
	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/wsconfig"
)

type fakeStore struct {
	workspaces map[string]*model.Workspace
	updates    map[string][]map[string]any
	findCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: make(map[string]*model.Workspace),
		updates:    make(map[string][]map[string]any),
	}
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*model.Workspace, error) {
	return s.find(id)
}

func (s *fakeStore) FindByIDWithProject(_ context.Context, id string) (*model.Workspace, error) {
	return s.find(id)
}

func (s *fakeStore) find(id string) (*model.Workspace, error) {
	s.findCalls++
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, errors.New("workspace not found")
	}
	copied := *ws
	return &copied, nil
}

func (s *fakeStore) Update(_ context.Context, id string, fields map[string]any) error {
	s.updates[id] = append(s.updates[id], fields)
	return nil
}

type fakeLifecycle struct {
	gateOK       bool
	gateErr      error
	failed       []string
	ready        []string
	sourceStatus model.WorkspaceStatus
	archiveErr   error
	transitions  []model.WorkspaceStatus
}

func (l *fakeLifecycle) StartProvisioning(_ context.Context, _ string) (bool, error) {
	return l.gateOK, l.gateErr
}

func (l *fakeLifecycle) MarkReady(_ context.Context, id string) error {
	l.ready = append(l.ready, id)
	return nil
}

func (l *fakeLifecycle) MarkFailed(_ context.Context, id string, reason string) error {
	l.failed = append(l.failed, id+": "+reason)
	return nil
}

func (l *fakeLifecycle) StartArchivingWithSourceStatus(_ context.Context, _ string) (model.WorkspaceStatus, error) {
	if l.archiveErr != nil {
		return "", l.archiveErr
	}
	return l.sourceStatus, nil
}

func (l *fakeLifecycle) Transition(_ context.Context, _ string, status model.WorkspaceStatus) error {
	l.transitions = append(l.transitions, status)
	return nil
}

type fakeGit struct {
	ensureErr   error
	createErr   error
	created     []string
	fromExist   []string
	cleanupErr  error
	cleanedUp   []string
	committed   bool
	ensureCalls int
}

func (g *fakeGit) EnsureBaseBranchExists(_ context.Context, _ string, branch string) error {
	g.ensureCalls++
	if g.ensureErr != nil {
		return g.ensureErr
	}
	_ = branch
	return nil
}

func (g *fakeGit) CreateWorktree(_ context.Context, _ string, worktreePath string, newBranch string, _ string) error {
	if g.createErr != nil {
		return g.createErr
	}
	g.created = append(g.created, worktreePath+"@"+newBranch)
	return nil
}

func (g *fakeGit) CreateWorktreeFromExistingBranch(_ context.Context, _ string, worktreePath string, branch string) error {
	g.fromExist = append(g.fromExist, worktreePath+"@"+branch)
	return nil
}

func (g *fakeGit) CleanupWorkspaceWorktree(_ context.Context, _ string, worktreePath string, commitUncommitted bool) error {
	if g.cleanupErr != nil {
		return g.cleanupErr
	}
	g.cleanedUp = append(g.cleanedUp, worktreePath)
	g.committed = commitUncommitted
	return nil
}

type fakeWorktrees struct {
	initMode     model.InitMode
	clearedIDs   []string
	worktreeRoot string
}

func (w *fakeWorktrees) WorktreePath(name string) string {
	root := w.worktreeRoot
	if root == "" {
		root = "/tmp/worktrees"
	}
	return root + "/" + name
}

func (w *fakeWorktrees) InitMode(_ string) model.InitMode { return w.initMode }

func (w *fakeWorktrees) ClearInitMode(id string) error {
	w.clearedIDs = append(w.clearedIDs, id)
	return nil
}

type fakeSessions struct {
	startErr    error
	started     []string
	stopErr     error
	stopped     []string
	destroyErr  error
	destroyed   []string
	dispatched  []string
	stopUpdates int
}

func (s *fakeSessions) StartSession(_ context.Context, workspaceID string, _ string, name string, _ string) (model.Session, error) {
	if s.startErr != nil {
		return model.Session{}, s.startErr
	}
	session := model.Session{ID: "sess-" + workspaceID, WorkspaceID: workspaceID, Name: name, Status: model.SessionStatusRunning}
	s.started = append(s.started, session.ID)
	return session, nil
}

func (s *fakeSessions) StopWorkspaceSessions(_ context.Context, workspaceID string) error {
	s.stopUpdates++
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stopped = append(s.stopped, workspaceID)
	return nil
}

func (s *fakeSessions) DestroyTerminals(_ context.Context, workspaceID string) error {
	if s.destroyErr != nil {
		return s.destroyErr
	}
	s.destroyed = append(s.destroyed, workspaceID)
	return nil
}

func (s *fakeSessions) TryDispatchNextMessage(_ context.Context, session model.Session) bool {
	s.dispatched = append(s.dispatched, session.ID)
	return true
}

type fakeScripts struct {
	hasStartup      bool
	hasStartupCalls int
	runErr          error
	ran             []string
	stopErr         error
	stoppedScripts  []string
}

func (r *fakeScripts) HasStartupScript(_ context.Context, _ string) (bool, error) {
	r.hasStartupCalls++
	return r.hasStartup, nil
}

func (r *fakeScripts) RunStartupScript(_ context.Context, workspaceID string) error {
	if r.runErr != nil {
		return r.runErr
	}
	r.ran = append(r.ran, workspaceID)
	return nil
}

func (r *fakeScripts) StopRunScript(_ context.Context, workspaceID string) error {
	if r.stopErr != nil {
		return r.stopErr
	}
	r.stoppedScripts = append(r.stoppedScripts, workspaceID)
	return nil
}

type fakeHost struct {
	username     string
	usernameErr  error
	fetches      int
	comments     []string
	commentErr   error
	commentCalls int
}

func (h *fakeHost) GetAuthenticatedUsername(_ context.Context) (string, error) {
	h.fetches++
	return h.username, h.usernameErr
}

func (h *fakeHost) AddIssueComment(_ context.Context, _ string, issueID string, body string) error {
	h.commentCalls++
	if h.commentErr != nil {
		return h.commentErr
	}
	h.comments = append(h.comments, issueID+": "+body)
	return nil
}

type harness struct {
	store     *fakeStore
	lifecycle *fakeLifecycle
	git       *fakeGit
	worktrees *fakeWorktrees
	sessions  *fakeSessions
	scripts   *fakeScripts
	host      *fakeHost
	service   *Service
}

func newHarness(cfg *wsconfig.Config) *harness {
	h := &harness{
		store:     newFakeStore(),
		lifecycle: &fakeLifecycle{gateOK: true, sourceStatus: model.WorkspaceStatusReady},
		git:       &fakeGit{},
		worktrees: &fakeWorktrees{},
		sessions:  &fakeSessions{},
		scripts:   &fakeScripts{},
		host:      &fakeHost{},
	}
	h.service = NewService(h.store, h.lifecycle, h.git, h.worktrees, h.sessions, h.scripts, h.host,
		log.New(io.Discard, "", 0), ServiceOptions{
			ReadConfig: func(string) *wsconfig.Config { return cfg },
		})
	h.service.runSetupScript = func(_ context.Context, _ string, _ string) error { return nil }
	return h
}

func (h *harness) addWorkspace(ws *model.Workspace) {
	if ws.Project == nil {
		ws.Project = &model.Project{ID: "proj-1", RepoPath: "/repos/demo", DefaultBranch: "main"}
	}
	h.store.workspaces[ws.ID] = ws
}

func TestInitializeGateDeniedIsSilent(t *testing.T) {
	h := newHarness(nil)
	h.lifecycle.gateOK = false
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo"})

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{}); err != nil {
		t.Fatalf("denied gate must not error, got %v", err)
	}
	if h.store.findCalls != 0 {
		t.Fatalf("no reads should happen after a denied gate")
	}
	if len(h.lifecycle.failed) != 0 || len(h.git.created) != 0 {
		t.Fatalf("denied gate must have no side effects")
	}
}

func TestInitializeHappyPathNoScripts(t *testing.T) {
	h := newHarness(nil)
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo", Status: model.WorkspaceStatusNew})

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{BranchName: "feature-x"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(h.git.created) != 1 || h.git.created[0] != "/tmp/worktrees/demo@feature-x" {
		t.Fatalf("unexpected worktree creation %v", h.git.created)
	}
	if len(h.store.updates["ws-1"]) != 1 {
		t.Fatalf("expected one persist, got %v", h.store.updates["ws-1"])
	}
	fields := h.store.updates["ws-1"][0]
	if fields["branch_name"] != "feature-x" || fields["is_auto_generated_branch"] != false {
		t.Fatalf("unexpected fields %v", fields)
	}
	if len(h.lifecycle.ready) != 1 {
		t.Fatalf("workspace should be marked ready with no scripts")
	}
	if len(h.sessions.started) != 1 {
		t.Fatalf("agent session should start")
	}
	if len(h.sessions.dispatched) != 1 || h.sessions.dispatched[0] != "sess-ws-1" {
		t.Fatalf("catch-up dispatch should target the started session, got %v", h.sessions.dispatched)
	}
	if len(h.worktrees.clearedIDs) != 1 {
		t.Fatalf("init mode should be cleared after worktree creation")
	}
}

func TestInitializeAutoGeneratedBranchUsesUsername(t *testing.T) {
	h := newHarness(nil)
	h.host.username = "octocat"
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "My Demo"})

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	fields := h.store.updates["ws-1"][0]
	branch, _ := fields["branch_name"].(string)
	if len(branch) == 0 || branch[:13] != "octocat/my-de" {
		t.Fatalf("expected username-prefixed branch, got %q", branch)
	}
	if fields["is_auto_generated_branch"] != true {
		t.Fatalf("auto-generated flag not set")
	}
}

func TestInitializeSetupScriptWins(t *testing.T) {
	h := newHarness(&wsconfig.Config{SetupScript: "make bootstrap"})
	h.scripts.hasStartup = true
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo",
		Project: &model.Project{ID: "p", RepoPath: "/r", DefaultBranch: "main", StartupScript: "npm run dev"}})

	var ranSetup bool
	h.service.runSetupScript = func(_ context.Context, dir string, command string) error {
		ranSetup = true
		if command != "make bootstrap" || dir != "/tmp/worktrees/demo" {
			t.Fatalf("unexpected setup invocation %s in %s", command, dir)
		}
		return nil
	}

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{BranchName: "b"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !ranSetup {
		t.Fatalf("setup script should run")
	}
	if h.scripts.hasStartupCalls != 0 {
		t.Fatalf("startup capability must not be queried when a setup script exists")
	}
	if len(h.scripts.ran) != 0 {
		t.Fatalf("startup script must not run")
	}
	if len(h.lifecycle.ready) != 0 {
		t.Fatalf("a script phase ran; READY must not be set here")
	}
}

func TestInitializeSetupScriptFailureStopsSessionsWithoutErroring(t *testing.T) {
	h := newHarness(&wsconfig.Config{SetupScript: "make bootstrap"})
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo"})
	h.service.runSetupScript = func(_ context.Context, _ string, _ string) error {
		return errors.New("exit status 2")
	}

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{BranchName: "b"}); err != nil {
		t.Fatalf("script failure must not propagate, got %v", err)
	}
	if len(h.lifecycle.failed) != 0 {
		t.Fatalf("script failure must not mark the workspace failed, got %v", h.lifecycle.failed)
	}
	if h.sessions.stopUpdates == 0 {
		t.Fatalf("sessions should be stopped on script failure")
	}
	if len(h.lifecycle.ready) != 0 {
		t.Fatalf("workspace must not be marked ready after a failed script")
	}
	if len(h.sessions.dispatched) != 0 {
		t.Fatalf("no catch-up dispatch after a failed script, got %v", h.sessions.dispatched)
	}
	if len(h.worktrees.clearedIDs) != 1 {
		t.Fatalf("worktree was created, so init mode must still be cleared")
	}
}

func TestInitializeStartupScriptFailureStopsSessionsWithoutErroring(t *testing.T) {
	h := newHarness(nil)
	h.scripts.hasStartup = true
	h.scripts.runErr = errors.New("exit status 1")
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo"})

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{BranchName: "b"}); err != nil {
		t.Fatalf("script failure must not propagate, got %v", err)
	}
	if len(h.lifecycle.failed) != 0 {
		t.Fatalf("script failure must not mark the workspace failed, got %v", h.lifecycle.failed)
	}
	if len(h.sessions.stopped) != 1 {
		t.Fatalf("sessions should be stopped on script failure, got %v", h.sessions.stopped)
	}
	if len(h.lifecycle.ready) != 0 {
		t.Fatalf("workspace must not be marked ready after a failed script")
	}
	if len(h.sessions.dispatched) != 0 {
		t.Fatalf("no catch-up dispatch after a failed script, got %v", h.sessions.dispatched)
	}
}

func TestInitializeWorktreeFailureKeepsInitMode(t *testing.T) {
	h := newHarness(nil)
	h.git.createErr = errors.New("branch already checked out")
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo"})

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{BranchName: "b"}); err == nil {
		t.Fatalf("worktree failure should propagate")
	}
	if len(h.worktrees.clearedIDs) != 0 {
		t.Fatalf("init mode must not be cleared when no worktree was created")
	}
	if len(h.lifecycle.failed) != 1 {
		t.Fatalf("workspace should be marked failed")
	}
}

func TestInitializeExistingBranchMode(t *testing.T) {
	h := newHarness(nil)
	h.worktrees.initMode = model.InitModeExistingBranch
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "demo", BranchName: "already-there"})

	if err := h.service.Initialize(context.Background(), "ws-1", InitOptions{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(h.git.fromExist) != 1 || h.git.fromExist[0] != "/tmp/worktrees/demo@already-there" {
		t.Fatalf("expected worktree from existing branch, got %v (created %v)", h.git.fromExist, h.git.created)
	}
}

func TestUsernameCacheAvoidsRefetch(t *testing.T) {
	h := newHarness(nil)
	h.host.username = "octocat"
	h.addWorkspace(&model.Workspace{ID: "ws-1", Name: "one"})
	h.addWorkspace(&model.Workspace{ID: "ws-2", Name: "two"})

	ctx := context.Background()
	if err := h.service.Initialize(ctx, "ws-1", InitOptions{}); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := h.service.Initialize(ctx, "ws-2", InitOptions{}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if h.host.fetches != 1 {
		t.Fatalf("username should be fetched once within the TTL, got %d", h.host.fetches)
	}
}

func TestGenerateBranchNameLogsUsernameLookupFailure(t *testing.T) {
	h := newHarness(nil)
	h.host.usernameErr = errors.New("gh auth status: exit 1")
	var buf bytes.Buffer
	h.service.logger = log.New(&buf, "", 0)

	branch := h.service.generateBranchName(context.Background(), "demo")
	if strings.Contains(branch, "/") {
		t.Fatalf("failed lookup must drop the username prefix, got %q", branch)
	}
	if !strings.Contains(buf.String(), "username lookup") {
		t.Fatalf("lookup failure should be logged, got %q", buf.String())
	}
}

func TestInvalidTransitionErrorSurfaceForArchive(t *testing.T) {
	h := newHarness(nil)
	h.addWorkspace(&model.Workspace{ID: "ws-1", Status: model.WorkspaceStatusArchived})

	_, err := h.service.Archive(context.Background(), "ws-1", ArchiveOptions{})
	var invalid *hsm.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if len(h.lifecycle.transitions) != 0 || h.sessions.stopUpdates != 0 {
		t.Fatalf("invalid transition must have no side effects")
	}
}
