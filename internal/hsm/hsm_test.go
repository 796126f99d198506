package hsm

import (
	"context"
	"errors"
	"log"
	"testing"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

func TestWorkspaceTransitions(t *testing.T) {
	if !CanTransition(model.WorkspaceStatusNew, model.WorkspaceStatusProvisioning) {
		t.Fatalf("expected NEW -> PROVISIONING transition to be allowed")
	}
	if !CanTransition(model.WorkspaceStatusFailed, model.WorkspaceStatusProvisioning) {
		t.Fatalf("expected FAILED -> PROVISIONING transition to be allowed")
	}
	if !CanTransition(model.WorkspaceStatusArchiving, model.WorkspaceStatusFailed) {
		t.Fatalf("expected ARCHIVING -> FAILED rollback transition to be allowed")
	}
	if CanTransition(model.WorkspaceStatusArchived, model.WorkspaceStatusReady) {
		t.Fatalf("expected ARCHIVED -> READY transition to be disallowed")
	}
	if CanTransition(model.WorkspaceStatusNew, model.WorkspaceStatusReady) {
		t.Fatalf("expected NEW -> READY transition to be disallowed")
	}
	if !CanTransition(model.WorkspaceStatusReady, model.WorkspaceStatusReady) {
		t.Fatalf("expected self transition to be allowed")
	}
}

type fakeWorkspaceStore struct {
	workspace model.Workspace
	findErr   error
	updates   []map[string]any
}

func (f *fakeWorkspaceStore) FindByID(ctx context.Context, id string) (*model.Workspace, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	workspace := f.workspace
	return &workspace, nil
}

func (f *fakeWorkspaceStore) Update(ctx context.Context, id string, fields map[string]any) error {
	f.updates = append(f.updates, fields)
	return nil
}

func TestStartProvisioningIncrementsAttempts(t *testing.T) {
	store := &fakeWorkspaceStore{workspace: model.Workspace{
		ID:                "ws-1",
		Status:            model.WorkspaceStatusNew,
		ProvisionAttempts: 1,
	}}
	machine := NewMachine(store, log.New(discardWriter{}, "", 0))

	ok, err := machine.StartProvisioning(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("start provisioning: %v", err)
	}
	if !ok {
		t.Fatalf("expected provisioning to proceed")
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(store.updates))
	}
	if store.updates[0]["provision_attempts"] != 2 {
		t.Fatalf("expected provision_attempts to become 2, got %v", store.updates[0]["provision_attempts"])
	}
}

func TestStartProvisioningRetryCeilingReturnsFalseWithoutError(t *testing.T) {
	store := &fakeWorkspaceStore{workspace: model.Workspace{
		ID:                "ws-1",
		Status:            model.WorkspaceStatusFailed,
		ProvisionAttempts: maxProvisionAttempts,
	}}
	machine := NewMachine(store, log.New(discardWriter{}, "", 0))

	ok, err := machine.StartProvisioning(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("expected no error at retry ceiling, got %v", err)
	}
	if ok {
		t.Fatalf("expected falsy result at retry ceiling")
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no side effects at retry ceiling")
	}
}

func TestStartProvisioningRejectsInvalidSource(t *testing.T) {
	store := &fakeWorkspaceStore{workspace: model.Workspace{
		ID:     "ws-1",
		Status: model.WorkspaceStatusArchived,
	}}
	machine := NewMachine(store, nil)

	_, err := machine.StartProvisioning(context.Background(), "ws-1")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no side effects on invalid transition")
	}
}

func TestStartArchivingReturnsSourceStatus(t *testing.T) {
	store := &fakeWorkspaceStore{workspace: model.Workspace{
		ID:     "ws-1",
		Status: model.WorkspaceStatusFailed,
	}}
	machine := NewMachine(store, nil)

	source, err := machine.StartArchivingWithSourceStatus(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("start archiving: %v", err)
	}
	if source != model.WorkspaceStatusFailed {
		t.Fatalf("expected captured source status FAILED, got %s", source)
	}
	if len(store.updates) != 1 || store.updates[0]["status"] != model.WorkspaceStatusArchiving {
		t.Fatalf("expected ARCHIVING update, got %v", store.updates)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
