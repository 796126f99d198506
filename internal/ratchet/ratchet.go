// Package ratchet nudges an idle agent forward based on its PR's CI state:
// failing checks queue a fix-it prompt, pending checks park the workspace
// until the next evaluation.
package ratchet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

type WorkspaceStore interface {
	FindByID(ctx context.Context, id string) (*model.Workspace, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

// EventSink mirrors ratchet state into the snapshot write path. May be nil.
type EventSink interface {
	RatchetStateChanged(workspaceID string, enabled bool, state model.RatchetState, occurredAt time.Time)
}

// Bridge declares the cross-module capabilities the ratchet needs; the
// closures are injected at startup.
type Bridge struct {
	// RefreshPR re-fetches PR state before the CI status is inspected.
	RefreshPR func(ctx context.Context, workspaceID string) error
	// EnqueuePrompt queues a message for the workspace's active agent
	// session. Returns false when no session can take it.
	EnqueuePrompt func(ctx context.Context, workspaceID string, body string) bool
}

type Engine struct {
	store  WorkspaceStore
	events EventSink
	logger *log.Logger

	mu     sync.Mutex
	bridge Bridge
}

func NewEngine(store WorkspaceStore, events EventSink, logger *log.Logger) *Engine {
	return &Engine{store: store, events: events, logger: logger}
}

func (e *Engine) Configure(bridge Bridge) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bridge = bridge
}

func (e *Engine) SetEnabled(ctx context.Context, workspaceID string, enabled bool) error {
	state := model.RatchetStateIdle
	if !enabled {
		state = model.RatchetStateStopped
	}
	return e.setState(ctx, workspaceID, enabled, state)
}

// Evaluate runs one ratchet step for a workspace whose agent just went
// idle. Failures are logged; the next idle transition retries.
func (e *Engine) Evaluate(ctx context.Context, workspaceID string) {
	e.mu.Lock()
	bridge := e.bridge
	e.mu.Unlock()

	workspace, err := e.store.FindByID(ctx, workspaceID)
	if err != nil {
		e.logger.Printf("ratchet lookup for %s: %v", workspaceID, err)
		return
	}
	if !workspace.RatchetEnabled || workspace.RatchetState == model.RatchetStateStopped {
		return
	}
	if workspace.PRURL == "" {
		e.transition(ctx, workspace, model.RatchetStateIdle)
		return
	}

	if bridge.RefreshPR != nil {
		if err := bridge.RefreshPR(ctx, workspaceID); err != nil {
			e.logger.Printf("ratchet pr refresh for %s: %v", workspaceID, err)
		} else if fresh, err := e.store.FindByID(ctx, workspaceID); err == nil {
			workspace = fresh
		}
	}

	switch workspace.PRCIStatus {
	case model.CIStatusFailing:
		if bridge.EnqueuePrompt == nil || !bridge.EnqueuePrompt(ctx, workspaceID, failingCIPrompt(workspace)) {
			e.logger.Printf("ratchet prompt for %s not queued: no session available", workspaceID)
			e.transition(ctx, workspace, model.RatchetStateWaitingForCI)
			return
		}
		e.transition(ctx, workspace, model.RatchetStatePromptQueued)
	case model.CIStatusPending:
		e.transition(ctx, workspace, model.RatchetStateWaitingForCI)
	default:
		e.transition(ctx, workspace, model.RatchetStateIdle)
	}
}

func (e *Engine) transition(ctx context.Context, workspace *model.Workspace, state model.RatchetState) {
	if workspace.RatchetState == state {
		return
	}
	if err := e.setState(ctx, workspace.ID, workspace.RatchetEnabled, state); err != nil {
		e.logger.Printf("ratchet state persist for %s: %v", workspace.ID, err)
	}
}

func (e *Engine) setState(ctx context.Context, workspaceID string, enabled bool, state model.RatchetState) error {
	err := e.store.Update(ctx, workspaceID, map[string]any{
		"ratchet_enabled": enabled,
		"ratchet_state":   state,
	})
	if err != nil {
		return err
	}
	if e.events != nil {
		e.events.RatchetStateChanged(workspaceID, enabled, state, time.Now().UTC())
	}
	return nil
}

func failingCIPrompt(workspace *model.Workspace) string {
	return fmt.Sprintf("CI is failing on %s. Look at the failing checks and fix them.", workspace.PRURL)
}
