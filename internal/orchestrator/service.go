// Package orchestrator owns the workspace lifecycle pipelines: provisioning
// a workspace end to end and archiving it without stranding state.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/wsconfig"
)

type WorkspaceStore interface {
	FindByID(ctx context.Context, id string) (*model.Workspace, error)
	FindByIDWithProject(ctx context.Context, id string) (*model.Workspace, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

type Lifecycle interface {
	StartProvisioning(ctx context.Context, id string) (bool, error)
	MarkReady(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	StartArchivingWithSourceStatus(ctx context.Context, id string) (model.WorkspaceStatus, error)
	Transition(ctx context.Context, id string, status model.WorkspaceStatus) error
}

type GitOps interface {
	EnsureBaseBranchExists(ctx context.Context, repoPath string, branch string) error
	CreateWorktree(ctx context.Context, repoPath string, worktreePath string, newBranch string, baseBranch string) error
	CreateWorktreeFromExistingBranch(ctx context.Context, repoPath string, worktreePath string, branch string) error
	CleanupWorkspaceWorktree(ctx context.Context, repoPath string, worktreePath string, commitUncommitted bool) error
}

type WorktreeRegistry interface {
	WorktreePath(workspaceName string) string
	InitMode(workspaceID string) model.InitMode
	ClearInitMode(workspaceID string) error
}

type SessionManager interface {
	StartSession(ctx context.Context, workspaceID string, worktreePath string, name string, command string) (model.Session, error)
	StopWorkspaceSessions(ctx context.Context, workspaceID string) error
	DestroyTerminals(ctx context.Context, workspaceID string) error
	TryDispatchNextMessage(ctx context.Context, session model.Session) bool
}

type ScriptRunner interface {
	HasStartupScript(ctx context.Context, workspaceID string) (bool, error)
	RunStartupScript(ctx context.Context, workspaceID string) error
	StopRunScript(ctx context.Context, workspaceID string) error
}

type CodeHost interface {
	GetAuthenticatedUsername(ctx context.Context) (string, error)
	AddIssueComment(ctx context.Context, repoPath string, issueID string, body string) error
}

// ConfigReader loads the optional per-worktree config. nil means no config.
type ConfigReader func(worktreePath string) *wsconfig.Config

// usernameCache holds the authenticated username for branch prefixing. One
// value, one fetch timestamp, TTL expiry only.
type usernameCache struct {
	mu        sync.Mutex
	value     string
	fetchedAt time.Time
	ttl       time.Duration
}

func (c *usernameCache) get(ctx context.Context, fetch func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" && time.Since(c.fetchedAt) < c.ttl {
		return c.value, nil
	}
	value, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	c.value = strings.TrimSpace(value)
	c.fetchedAt = time.Now()
	return c.value, nil
}

type Service struct {
	store     WorkspaceStore
	lifecycle Lifecycle
	git       GitOps
	worktrees WorktreeRegistry
	sessions  SessionManager
	scripts   ScriptRunner
	host      CodeHost
	logger    *log.Logger

	readConfig          ConfigReader
	runSetupScript      func(ctx context.Context, dir string, command string) error
	defaultAgentCommand string
	usernames           usernameCache
}

type ServiceOptions struct {
	DefaultAgentCommand string
	UsernameTTL         time.Duration
	// ReadConfig overrides the worktree config loader; nil uses wsconfig.Load.
	ReadConfig ConfigReader
}

func NewService(store WorkspaceStore, lifecycle Lifecycle, git GitOps, worktrees WorktreeRegistry, sessions SessionManager, scripts ScriptRunner, host CodeHost, logger *log.Logger, opts ServiceOptions) *Service {
	agentCommand := opts.DefaultAgentCommand
	if strings.TrimSpace(agentCommand) == "" {
		agentCommand = "claude"
	}
	ttl := opts.UsernameTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	readConfig := opts.ReadConfig
	if readConfig == nil {
		readConfig = wsconfig.Load
	}
	return &Service{
		store:               store,
		lifecycle:           lifecycle,
		git:                 git,
		worktrees:           worktrees,
		sessions:            sessions,
		scripts:             scripts,
		host:                host,
		logger:              logger,
		readConfig:          readConfig,
		runSetupScript:      runShellScript,
		defaultAgentCommand: agentCommand,
		usernames:           usernameCache{ttl: ttl},
	}
}

// generateBranchName builds "<username>/<name>-<suffix>", dropping the
// prefix when the username lookup fails.
func (s *Service) generateBranchName(ctx context.Context, workspaceName string) string {
	token := sanitizeBranchToken(workspaceName)
	suffix := strings.ToLower(shortuuid.New())
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	branch := fmt.Sprintf("%s-%s", token, suffix)
	username, err := s.usernames.get(ctx, s.host.GetAuthenticatedUsername)
	if err != nil {
		s.logger.Printf("username lookup for branch prefix: %v", err)
	}
	if username != "" {
		return username + "/" + branch
	}
	return branch
}

func sanitizeBranchToken(token string) string {
	token = strings.TrimSpace(strings.ToLower(token))
	token = strings.ReplaceAll(token, " ", "-")
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", "~", "-", "^", "-", "?", "-", "*", "-", "[", "-", "]", "-")
	token = replacer.Replace(token)
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	token = strings.Trim(token, "-.")
	if token == "" {
		token = "workspace"
	}
	return token
}

func runShellScript(ctx context.Context, dir string, command string) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, detail)
	}
	return nil
}
