package ratchet

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

type fakeStore struct {
	workspaces map[string]*model.Workspace
	updates    map[string][]map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: make(map[string]*model.Workspace),
		updates:    make(map[string][]map[string]any),
	}
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*model.Workspace, error) {
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *ws
	return &copied, nil
}

func (s *fakeStore) Update(_ context.Context, id string, fields map[string]any) error {
	s.updates[id] = append(s.updates[id], fields)
	if ws, ok := s.workspaces[id]; ok {
		if state, ok := fields["ratchet_state"].(model.RatchetState); ok {
			ws.RatchetState = state
		}
	}
	return nil
}

func newTestEngine(store WorkspaceStore) *Engine {
	return NewEngine(store, nil, log.New(io.Discard, "", 0))
}

func TestEvaluateSkipsDisabled(t *testing.T) {
	store := newFakeStore()
	store.workspaces["ws-1"] = &model.Workspace{ID: "ws-1", RatchetEnabled: false}

	e := newTestEngine(store)
	e.Evaluate(context.Background(), "ws-1")

	if len(store.updates["ws-1"]) != 0 {
		t.Fatalf("disabled ratchet must not write, got %v", store.updates["ws-1"])
	}
}

func TestEvaluateFailingCIQueuesPrompt(t *testing.T) {
	store := newFakeStore()
	store.workspaces["ws-1"] = &model.Workspace{
		ID:             "ws-1",
		RatchetEnabled: true,
		RatchetState:   model.RatchetStateIdle,
		PRURL:          "https://github.com/o/r/pull/5",
		PRCIStatus:     model.CIStatusFailing,
	}

	var prompts []string
	refreshed := 0
	e := newTestEngine(store)
	e.Configure(Bridge{
		RefreshPR: func(_ context.Context, _ string) error {
			refreshed++
			return nil
		},
		EnqueuePrompt: func(_ context.Context, _ string, body string) bool {
			prompts = append(prompts, body)
			return true
		},
	})

	e.Evaluate(context.Background(), "ws-1")

	if refreshed != 1 {
		t.Fatalf("PR should be refreshed before the CI check")
	}
	if len(prompts) != 1 {
		t.Fatalf("expected one prompt, got %v", prompts)
	}
	if store.workspaces["ws-1"].RatchetState != model.RatchetStatePromptQueued {
		t.Fatalf("state should be PROMPT_QUEUED, got %s", store.workspaces["ws-1"].RatchetState)
	}
}

func TestEvaluatePendingCIWaits(t *testing.T) {
	store := newFakeStore()
	store.workspaces["ws-1"] = &model.Workspace{
		ID:             "ws-1",
		RatchetEnabled: true,
		RatchetState:   model.RatchetStateIdle,
		PRURL:          "https://github.com/o/r/pull/5",
		PRCIStatus:     model.CIStatusPending,
	}

	e := newTestEngine(store)
	e.Evaluate(context.Background(), "ws-1")

	if store.workspaces["ws-1"].RatchetState != model.RatchetStateWaitingForCI {
		t.Fatalf("state should be WAITING_FOR_CI, got %s", store.workspaces["ws-1"].RatchetState)
	}
}

func TestEvaluatePassingCIGoesIdle(t *testing.T) {
	store := newFakeStore()
	store.workspaces["ws-1"] = &model.Workspace{
		ID:             "ws-1",
		RatchetEnabled: true,
		RatchetState:   model.RatchetStateWaitingForCI,
		PRURL:          "https://github.com/o/r/pull/5",
		PRCIStatus:     model.CIStatusPassing,
	}

	e := newTestEngine(store)
	e.Evaluate(context.Background(), "ws-1")

	if store.workspaces["ws-1"].RatchetState != model.RatchetStateIdle {
		t.Fatalf("state should return to IDLE, got %s", store.workspaces["ws-1"].RatchetState)
	}
}

func TestEvaluateNoPRGoesIdle(t *testing.T) {
	store := newFakeStore()
	store.workspaces["ws-1"] = &model.Workspace{
		ID:             "ws-1",
		RatchetEnabled: true,
		RatchetState:   model.RatchetStateWaitingForCI,
	}

	e := newTestEngine(store)
	e.Evaluate(context.Background(), "ws-1")

	if store.workspaces["ws-1"].RatchetState != model.RatchetStateIdle {
		t.Fatalf("no PR should park the ratchet at IDLE, got %s", store.workspaces["ws-1"].RatchetState)
	}
}

func TestSetEnabled(t *testing.T) {
	store := newFakeStore()
	store.workspaces["ws-1"] = &model.Workspace{ID: "ws-1"}

	e := newTestEngine(store)
	if err := e.SetEnabled(context.Background(), "ws-1", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	fields := store.updates["ws-1"][0]
	if fields["ratchet_enabled"] != true || fields["ratchet_state"] != model.RatchetStateIdle {
		t.Fatalf("unexpected fields %v", fields)
	}

	if err := e.SetEnabled(context.Background(), "ws-1", false); err != nil {
		t.Fatalf("SetEnabled off: %v", err)
	}
	fields = store.updates["ws-1"][1]
	if fields["ratchet_state"] != model.RatchetStateStopped {
		t.Fatalf("disable should stop the ratchet, got %v", fields)
	}
}
