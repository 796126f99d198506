package sessions

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

// Store is the accessor slice the session domain needs.
type Store interface {
	CreateSession(ctx context.Context, session *model.Session) error
	UpdateSession(ctx context.Context, id string, fields map[string]any) error
	FindSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error)
	FindTerminalsByWorkspace(ctx context.Context, workspaceID string) ([]model.Terminal, error)
}

// EventSink receives session-state changes for the real-time snapshot write
// path. May be nil.
type EventSink interface {
	SessionStateChanged(workspaceID string, summaries []model.SessionSummary, working bool, occurredAt time.Time)
}

// Bridge declares the cross-module capabilities this module needs. The
// concrete closures are injected at startup by the composition root; the
// session domain never imports the modules behind them.
type Bridge struct {
	// EvaluateRatchet pokes the automation module after a session goes idle.
	EvaluateRatchet func(ctx context.Context, workspaceID string)
	// RefreshPR asks the code-hosting module to re-fetch PR state after an
	// agent reports a push.
	RefreshPR func(ctx context.Context, workspaceID string) error
}

// QueuedMessage is one follow-up prompt waiting for a session slot.
type QueuedMessage struct {
	ID      string
	Body    string
	AddedAt time.Time
}

// RuntimeSnapshot is the in-memory view of one workspace's sessions.
type RuntimeSnapshot struct {
	Summaries []model.SessionSummary
	Working   bool
}

// Manager owns agent sessions: tmux processes, per-session message queues,
// pending human-decision requests, and the working flags the reconciler
// reads.
type Manager struct {
	store  Store
	events EventSink
	logger *log.Logger

	mu      sync.Mutex
	bridge  Bridge
	queues  map[string][]QueuedMessage
	pending map[string][]model.PendingRequest
	working map[string]bool
}

func NewManager(store Store, events EventSink, logger *log.Logger) *Manager {
	return &Manager{
		store:   store,
		events:  events,
		logger:  logger,
		queues:  make(map[string][]QueuedMessage),
		pending: make(map[string][]model.PendingRequest),
		working: make(map[string]bool),
	}
}

// Configure injects the bridge capabilities. Later calls replace earlier
// ones, so re-running the wiring is harmless.
func (m *Manager) Configure(bridge Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridge = bridge
}

func (m *Manager) StartSession(ctx context.Context, workspaceID string, worktreePath string, name string, command string) (model.Session, error) {
	if strings.TrimSpace(command) == "" {
		command = "bash"
	}
	session := model.Session{
		ID:          "sess-" + uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		Status:      model.SessionStatusStarting,
		TmuxSession: tmuxSessionName(name, workspaceID),
	}
	if err := startTmuxSession(ctx, session.TmuxSession, worktreePath, command); err != nil {
		return model.Session{}, err
	}
	session.Status = model.SessionStatusRunning
	if err := m.store.CreateSession(ctx, &session); err != nil {
		_ = killTmuxSession(ctx, session.TmuxSession)
		return model.Session{}, err
	}
	m.notifyStateChanged(ctx, workspaceID)
	return session, nil
}

func (m *Manager) StopSession(ctx context.Context, session model.Session) error {
	_ = killTmuxSession(ctx, session.TmuxSession)
	m.mu.Lock()
	delete(m.queues, session.ID)
	delete(m.pending, session.ID)
	delete(m.working, session.ID)
	m.mu.Unlock()
	return m.store.UpdateSession(ctx, session.ID, map[string]any{"status": model.SessionStatusStopped})
}

func (m *Manager) StopWorkspaceSessions(ctx context.Context, workspaceID string) error {
	sessions, err := m.store.FindSessionsByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, session := range sessions {
		if session.Status == model.SessionStatusStopped {
			continue
		}
		if err := m.StopSession(ctx, session); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.notifyStateChanged(ctx, workspaceID)
	return firstErr
}

func (m *Manager) DestroyTerminals(ctx context.Context, workspaceID string) error {
	terminals, err := m.store.FindTerminalsByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, terminal := range terminals {
		_ = killTmuxSession(ctx, terminal.TmuxSession)
	}
	return nil
}

func (m *Manager) IsSessionWorking(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.working[sessionID]
}

func (m *Manager) IsAnySessionWorking(sessions []model.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range sessions {
		if m.working[session.ID] {
			return true
		}
	}
	return false
}

// SetWorking records an agent's working flag and, on the transition to
// idle, pokes the automation module through the bridge.
func (m *Manager) SetWorking(ctx context.Context, workspaceID string, sessionID string, working bool) {
	m.mu.Lock()
	wasWorking := m.working[sessionID]
	m.working[sessionID] = working
	evaluate := m.bridge.EvaluateRatchet
	m.mu.Unlock()

	m.notifyStateChanged(ctx, workspaceID)
	if wasWorking && !working && evaluate != nil {
		evaluate(ctx, workspaceID)
	}
}

func (m *Manager) SetPendingRequests(sessionID string, requests []model.PendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(requests) == 0 {
		delete(m.pending, sessionID)
		return
	}
	m.pending[sessionID] = append([]model.PendingRequest(nil), requests...)
}

// GetAllPendingRequests returns the pending-request map in one call; the
// reconciler resolves it per workspace against session order.
func (m *Manager) GetAllPendingRequests(ctx context.Context) (map[string][]model.PendingRequest, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]model.PendingRequest, len(m.pending))
	for sessionID, requests := range m.pending {
		out[sessionID] = append([]model.PendingRequest(nil), requests...)
	}
	return out, nil
}

func (m *Manager) Enqueue(sessionID string, body string) QueuedMessage {
	message := QueuedMessage{
		ID:      "msg-" + uuid.NewString(),
		Body:    body,
		AddedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[sessionID] = append(m.queues[sessionID], message)
	return message
}

// TryDispatchNextMessage pops the session's queue head and sends it to the
// agent. A missing queue or a working session is a no-op.
func (m *Manager) TryDispatchNextMessage(ctx context.Context, session model.Session) bool {
	m.mu.Lock()
	queue := m.queues[session.ID]
	if len(queue) == 0 || m.working[session.ID] {
		m.mu.Unlock()
		return false
	}
	message := queue[0]
	m.queues[session.ID] = queue[1:]
	m.mu.Unlock()

	if err := sendTmuxKeys(ctx, session.TmuxSession, message.Body); err != nil {
		if m.logger != nil {
			m.logger.Printf("dispatch to session %s failed: %v", session.ID, err)
		}
		return false
	}
	return true
}

func (m *Manager) GetRuntimeSnapshot(ctx context.Context, workspaceID string) (RuntimeSnapshot, error) {
	sessions, err := m.store.FindSessionsByWorkspace(ctx, workspaceID)
	if err != nil {
		return RuntimeSnapshot{}, err
	}
	summaries := make([]model.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, model.SessionSummary{
			ID:     session.ID,
			Name:   session.Name,
			Status: session.Status,
		})
	}
	return RuntimeSnapshot{
		Summaries: summaries,
		Working:   m.IsAnySessionWorking(sessions),
	}, nil
}

func (m *Manager) notifyStateChanged(ctx context.Context, workspaceID string) {
	if m.events == nil {
		return
	}
	snapshot, err := m.GetRuntimeSnapshot(ctx, workspaceID)
	if err != nil {
		if m.logger != nil {
			m.logger.Printf("session state snapshot for %s failed: %v", workspaceID, err)
		}
		return
	}
	m.events.SessionStateChanged(workspaceID, snapshot.Summaries, snapshot.Working, time.Now().UTC())
}

func tmuxSessionName(name string, workspaceID string) string {
	token := strings.TrimSpace(strings.ToLower(name))
	if token == "" {
		token = "agent"
	}
	token = strings.ReplaceAll(token, " ", "-")
	suffix := workspaceID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fmt.Sprintf("%s-%s", token, suffix)
}

func startTmuxSession(ctx context.Context, sessionName string, dir string, command string) error {
	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", sessionName, "-c", dir, command)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %s: %s", sessionName, strings.TrimSpace(string(out)))
	}
	return nil
}

func killTmuxSession(ctx context.Context, sessionName string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", sessionName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux kill-session %s: %s", sessionName, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendTmuxKeys(ctx context.Context, sessionName string, body string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", sessionName, body, "Enter")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys %s: %s", sessionName, strings.TrimSpace(string(out)))
	}
	return nil
}
