package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
)

const DefaultDBPath = ".factory/factory.db"

var ErrWorkspaceNotFound = fmt.Errorf("workspace not found")

// Store is the GORM-backed persistent store. The orchestration core only
// touches it through the narrow accessor interfaces declared by each
// consuming package.
type Store struct {
	db *gorm.DB
}

func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = DefaultDBPath
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if err := db.AutoMigrate(&model.Project{}, &model.Workspace{}, &model.Session{}, &model.Terminal{}); err != nil {
		return nil, errors.Wrap(err, "migrate store")
	}
	return &Store{db: db}, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*model.Workspace, error) {
	var workspace model.Workspace
	err := s.db.WithContext(ctx).First(&workspace, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find workspace")
	}
	return &workspace, nil
}

func (s *Store) FindByIDWithProject(ctx context.Context, id string) (*model.Workspace, error) {
	var workspace model.Workspace
	err := s.db.WithContext(ctx).Preload("Project").Preload("Sessions").First(&workspace, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find workspace with project")
	}
	return &workspace, nil
}

// FindAllNonArchivedWithSessionsAndProject is the reconciliation engine's
// single authoritative query: every live workspace with its sessions,
// terminals, and project in one fetch.
func (s *Store) FindAllNonArchivedWithSessionsAndProject(ctx context.Context) ([]model.Workspace, error) {
	var workspaces []model.Workspace
	err := s.db.WithContext(ctx).
		Preload("Project").
		Preload("Sessions").
		Preload("Terminals").
		Where("status <> ?", model.WorkspaceStatusArchived).
		Order("created_at ASC").
		Find(&workspaces).Error
	if err != nil {
		return nil, errors.Wrap(err, "find non-archived workspaces")
	}
	return workspaces, nil
}

// FindNeedingPRSync selects workspaces with a PR whose status has not been
// refreshed within staleMinutes.
func (s *Store) FindNeedingPRSync(ctx context.Context, staleMinutes int) ([]model.Workspace, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(staleMinutes) * time.Minute)
	var workspaces []model.Workspace
	err := s.db.WithContext(ctx).
		Where("status <> ?", model.WorkspaceStatusArchived).
		Where("pr_url <> ''").
		Where("pr_updated_at IS NULL OR pr_updated_at < ?", cutoff).
		Order("created_at ASC").
		Find(&workspaces).Error
	if err != nil {
		return nil, errors.Wrap(err, "find workspaces needing pr sync")
	}
	return workspaces, nil
}

// FindNeedingPRDiscovery selects workspaces that have a branch but no PR
// linked yet.
func (s *Store) FindNeedingPRDiscovery(ctx context.Context) ([]model.Workspace, error) {
	var workspaces []model.Workspace
	err := s.db.WithContext(ctx).
		Preload("Project").
		Where("status <> ?", model.WorkspaceStatusArchived).
		Where("branch_name <> ''").
		Where("pr_url = ''").
		Order("created_at ASC").
		Find(&workspaces).Error
	if err != nil {
		return nil, errors.Wrap(err, "find workspaces needing pr discovery")
	}
	return workspaces, nil
}

func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&model.Workspace{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return errors.Wrap(result.Error, "update workspace")
	}
	if result.RowsAffected == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}

// CreateProject and CreateWorkspace exist for bootstrap and tests; the
// orchestration core never creates or destroys workspaces itself.
func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(project).Error, "create project")
}

func (s *Store) CreateWorkspace(ctx context.Context, workspace *model.Workspace) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(workspace).Error, "create workspace")
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(session).Error, "create session")
}

func (s *Store) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	return errors.Wrap(s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Updates(fields).Error, "update session")
}

func (s *Store) FindSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("created_at ASC").Find(&sessions).Error
	if err != nil {
		return nil, errors.Wrap(err, "find sessions")
	}
	return sessions, nil
}

func (s *Store) FindTerminalsByWorkspace(ctx context.Context, workspaceID string) ([]model.Terminal, error) {
	var terminals []model.Terminal
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("created_at ASC").Find(&terminals).Error
	if err != nil {
		return nil, errors.Wrap(err, "find terminals")
	}
	return terminals, nil
}
