// Package bridge wires the independent domain modules together at startup.
// Modules declare the capability shapes they need; this package closes over
// the concrete collaborators and injects them, keeping the module graph
// acyclic.
package bridge

import (
	"context"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/ratchet"
	"github.com/purplefish-ai/factory-factory-sub006/internal/sessions"
)

type SessionFinder interface {
	FindSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error)
}

type PRRefresher interface {
	RefreshWorkspace(ctx context.Context, workspaceID string) error
}

// ConfigureDomainBridges builds each module's bridge from the concrete
// collaborators. Idempotent: calling it again replaces the bridges.
func ConfigureDomainBridges(finder SessionFinder, sessionsMgr *sessions.Manager, ratchetEngine *ratchet.Engine, host PRRefresher) {
	sessionsMgr.Configure(sessions.Bridge{
		EvaluateRatchet: ratchetEngine.Evaluate,
		RefreshPR:       host.RefreshWorkspace,
	})

	ratchetEngine.Configure(ratchet.Bridge{
		RefreshPR: host.RefreshWorkspace,
		EnqueuePrompt: func(ctx context.Context, workspaceID string, body string) bool {
			found, err := finder.FindSessionsByWorkspace(ctx, workspaceID)
			if err != nil {
				return false
			}
			for _, status := range []model.SessionStatus{model.SessionStatusRunning, model.SessionStatusIdle} {
				for _, session := range found {
					if session.Status != status {
						continue
					}
					sessionsMgr.Enqueue(session.ID, body)
					_ = sessionsMgr.TryDispatchNextMessage(ctx, session)
					return true
				}
			}
			return false
		},
	})
}
