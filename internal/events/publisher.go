package events

import (
	"log"
	"time"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/snapshot"
)

// Publisher adapts the domain modules' event sinks onto the bus. Publish
// failures are logged and dropped; the reconciliation pass repairs them.
type Publisher struct {
	bus    *Bus
	logger *log.Logger
}

func NewPublisher(bus *Bus, logger *log.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger}
}

func (p *Publisher) SessionStateChanged(workspaceID string, summaries []model.SessionSummary, working bool, occurredAt time.Time) {
	if summaries == nil {
		summaries = []model.SessionSummary{}
	}
	p.publish(Event{
		WorkspaceID: workspaceID,
		Source:      "session_state_changed",
		OccurredAt:  occurredAt,
		Fields: snapshot.Fields{
			Session: &snapshot.SessionFields{
				IsWorking:        &working,
				SessionSummaries: summaries,
			},
		},
	})
}

func (p *Publisher) RunScriptStatusChanged(workspaceID string, status model.RunScriptStatus, occurredAt time.Time) {
	p.publish(Event{
		WorkspaceID: workspaceID,
		Source:      "run_script_status_changed",
		OccurredAt:  occurredAt,
		Fields: snapshot.Fields{
			RunScript: &snapshot.RunScriptFields{Status: &status},
		},
	})
}

func (p *Publisher) PRUpdated(workspaceID string, ref model.PullRequestRef) {
	updatedAt := ref.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	p.publish(Event{
		WorkspaceID: workspaceID,
		Source:      "pr_updated",
		OccurredAt:  updatedAt,
		Fields: snapshot.Fields{
			PR: &snapshot.PRFields{
				URL:       &ref.URL,
				Number:    &ref.Number,
				State:     &ref.State,
				CIStatus:  &ref.CIStatus,
				UpdatedAt: &updatedAt,
			},
		},
	})
}

func (p *Publisher) WorkspaceStatusChanged(workspaceID string, status model.WorkspaceStatus, occurredAt time.Time) {
	p.publish(Event{
		WorkspaceID: workspaceID,
		Source:      "workspace_status_changed",
		OccurredAt:  occurredAt,
		Fields: snapshot.Fields{
			Workspace: &snapshot.WorkspaceFields{Status: &status},
		},
	})
}

func (p *Publisher) RatchetStateChanged(workspaceID string, enabled bool, state model.RatchetState, occurredAt time.Time) {
	p.publish(Event{
		WorkspaceID: workspaceID,
		Source:      "ratchet_state_changed",
		OccurredAt:  occurredAt,
		Fields: snapshot.Fields{
			Ratchet: &snapshot.RatchetFields{Enabled: &enabled, State: &state},
		},
	})
}

func (p *Publisher) publish(event Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(event); err != nil && p.logger != nil {
		p.logger.Printf("publish %s for %s failed: %v", event.Source, event.WorkspaceID, err)
	}
}
