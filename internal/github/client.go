package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

const (
	// AttachReasonFetchFailed marks an attach that persisted the PR URL but
	// failed the follow-up status fetch. Discovery still counts these.
	AttachReasonFetchFailed       = "fetch_failed"
	AttachReasonWorkspaceNotFound = "workspace_not_found"
	AttachReasonPersistFailed     = "persist_failed"
)

// AttachError reports why attach-and-refresh could not fully complete.
type AttachError struct {
	WorkspaceID string
	Reason      string
	Err         error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach pr to workspace %s failed (%s): %v", e.WorkspaceID, e.Reason, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// WorkspaceStore is the accessor slice this collaborator needs for the
// canonical attach-and-refresh path.
type WorkspaceStore interface {
	FindByID(ctx context.Context, id string) (*model.Workspace, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

// EventSink receives PR updates for the real-time snapshot write path. May
// be nil when no bus is wired.
type EventSink interface {
	PRUpdated(workspaceID string, ref model.PullRequestRef)
}

// Client wraps the gh CLI. Transient failures are retried here because the
// collaborator owns its own retry policy.
type Client struct {
	store  WorkspaceStore
	events EventSink
	logger *log.Logger
}

func NewClient(store WorkspaceStore, events EventSink, logger *log.Logger) *Client {
	return &Client{store: store, events: events, logger: logger}
}

func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := runGH(ctx, "", "auth", "status")
	return err
}

func (c *Client) GetAuthenticatedUsername(ctx context.Context) (string, error) {
	out, err := runGH(ctx, "", "api", "user", "--jq", ".login")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) GetIssue(ctx context.Context, repoPath string, issueID string) (model.Issue, error) {
	out, err := runGH(ctx, repoPath, "issue", "view", issueID, "--json", "number,title,state,url")
	if err != nil {
		return model.Issue{}, err
	}
	var raw struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return model.Issue{}, errors.Wrap(err, "parse issue")
	}
	return model.Issue{
		ID:    fmt.Sprintf("%d", raw.Number),
		Title: raw.Title,
		State: raw.State,
		URL:   raw.URL,
	}, nil
}

func (c *Client) AddIssueComment(ctx context.Context, repoPath string, issueID string, body string) error {
	_, err := runGH(ctx, repoPath, "issue", "comment", issueID, "--body", body)
	return err
}

type prListItem struct {
	URL       string    `json:"url"`
	Number    int       `json:"number"`
	State     string    `json:"state"`
	IsDraft   bool      `json:"isDraft"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// FindPRForBranch asks the code host whether a PR exists for branch,
// ignoring PRs created before since (a stale branch of the same name from an
// earlier workspace must not be picked up).
func (c *Client) FindPRForBranch(ctx context.Context, repoPath string, branch string, since time.Time) (*model.PullRequestRef, error) {
	out, err := runGH(ctx, repoPath, "pr", "list",
		"--head", branch,
		"--state", "all",
		"--json", "url,number,state,isDraft,updatedAt,createdAt",
		"--limit", "10")
	if err != nil {
		return nil, err
	}
	var items []prListItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, errors.Wrap(err, "parse pr list")
	}
	for _, item := range items {
		if item.CreatedAt.Before(since) {
			continue
		}
		ref := prRefFromListItem(item)
		return &ref, nil
	}
	return nil, nil
}

// AttachAndRefreshPR is the canonical attach path: persist the PR URL on the
// workspace, then fetch its live status. A persisted URL with a failed fetch
// yields AttachError{Reason: "fetch_failed"}.
func (c *Client) AttachAndRefreshPR(ctx context.Context, workspaceID string, prURL string) error {
	if _, err := c.store.FindByID(ctx, workspaceID); err != nil {
		return &AttachError{WorkspaceID: workspaceID, Reason: AttachReasonWorkspaceNotFound, Err: err}
	}
	if err := c.store.Update(ctx, workspaceID, map[string]any{"pr_url": prURL}); err != nil {
		return &AttachError{WorkspaceID: workspaceID, Reason: AttachReasonPersistFailed, Err: err}
	}
	if err := c.RefreshWorkspace(ctx, workspaceID); err != nil {
		return &AttachError{WorkspaceID: workspaceID, Reason: AttachReasonFetchFailed, Err: err}
	}
	return nil
}

// RefreshWorkspace re-fetches the linked PR's state and persists it.
func (c *Client) RefreshWorkspace(ctx context.Context, workspaceID string) error {
	workspace, err := c.store.FindByID(ctx, workspaceID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(workspace.PRURL) == "" {
		return fmt.Errorf("workspace %s has no pr url", workspaceID)
	}
	out, err := runGH(ctx, "", "pr", "view", workspace.PRURL,
		"--json", "url,number,state,isDraft,updatedAt,statusCheckRollup")
	if err != nil {
		return err
	}
	ref, err := parsePRView([]byte(out))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = c.store.Update(ctx, workspaceID, map[string]any{
		"pr_number":     ref.Number,
		"pr_state":      ref.State,
		"pr_ci_status":  ref.CIStatus,
		"pr_updated_at": now,
	})
	if err != nil {
		return err
	}
	if c.events != nil {
		ref.UpdatedAt = now
		c.events.PRUpdated(workspaceID, ref)
	}
	return nil
}

type prView struct {
	URL               string    `json:"url"`
	Number            int       `json:"number"`
	State             string    `json:"state"`
	IsDraft           bool      `json:"isDraft"`
	UpdatedAt         time.Time `json:"updatedAt"`
	StatusCheckRollup []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"statusCheckRollup"`
}

func parsePRView(data []byte) (model.PullRequestRef, error) {
	var raw prView
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.PullRequestRef{}, errors.Wrap(err, "parse pr view")
	}
	checks := make([]checkResult, 0, len(raw.StatusCheckRollup))
	for _, check := range raw.StatusCheckRollup {
		checks = append(checks, checkResult{Status: check.Status, Conclusion: check.Conclusion})
	}
	return model.PullRequestRef{
		URL:       raw.URL,
		Number:    raw.Number,
		State:     mapPRState(raw.State, raw.IsDraft),
		CIStatus:  mapCIStatus(checks),
		UpdatedAt: raw.UpdatedAt,
	}, nil
}

func prRefFromListItem(item prListItem) model.PullRequestRef {
	return model.PullRequestRef{
		URL:       item.URL,
		Number:    item.Number,
		State:     mapPRState(item.State, item.IsDraft),
		UpdatedAt: item.UpdatedAt,
	}
}

func mapPRState(state string, isDraft bool) model.PullRequestState {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "MERGED":
		return model.PullRequestStateMerged
	case "CLOSED":
		return model.PullRequestStateClosed
	case "OPEN":
		if isDraft {
			return model.PullRequestStateDraft
		}
		return model.PullRequestStateOpen
	default:
		if isDraft {
			return model.PullRequestStateDraft
		}
		return model.PullRequestStateOpen
	}
}

type checkResult struct {
	Status     string
	Conclusion string
}

func mapCIStatus(checks []checkResult) model.CIStatus {
	if len(checks) == 0 {
		return model.CIStatusNone
	}
	pending := false
	for _, check := range checks {
		switch strings.ToUpper(strings.TrimSpace(check.Conclusion)) {
		case "FAILURE", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED":
			return model.CIStatusFailing
		case "SUCCESS", "NEUTRAL", "SKIPPED":
		default:
			pending = true
		}
		if strings.ToUpper(strings.TrimSpace(check.Status)) != "COMPLETED" {
			pending = true
		}
	}
	if pending {
		return model.CIStatusPending
	}
	return model.CIStatusPassing
}

func runGH(ctx context.Context, dir string, args ...string) (string, error) {
	var out string
	err := retry.Retry(func(attempt uint) error {
		var runErr error
		out, runErr = runGHOnce(ctx, dir, args...)
		if runErr != nil && ctx.Err() != nil {
			return nil
		}
		return runErr
	}, strategy.Limit(3), strategy.Backoff(backoff.Linear(200*time.Millisecond)))
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return out, nil
}

func runGHOnce(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}
