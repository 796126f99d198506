package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultConfigPath = ".factory/config.json"

type Config struct {
	Version int `json:"version"`
	Store   struct {
		DBPath string `json:"db_path"`
	} `json:"store"`
	Git struct {
		WorktreeRoot string `json:"worktree_root"`
		BranchPrefix string `json:"branch_prefix"`
	} `json:"git"`
	Reconciler struct {
		IntervalSeconds int `json:"interval_seconds"`
		GitStatsWorkers int `json:"git_stats_workers"`
	} `json:"reconciler"`
	Scheduler struct {
		IntervalSeconds  int `json:"interval_seconds"`
		SyncWorkers      int `json:"sync_workers"`
		StaleAfterMinute int `json:"stale_after_minutes"`
	} `json:"scheduler"`
	GitHub struct {
		UsernameTTLSeconds int `json:"username_ttl_seconds"`
	} `json:"github"`
	Events struct {
		RedisAddr string `json:"redis_addr"`
	} `json:"events"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Store.DBPath = ".factory/factory.db"
	cfg.Git.WorktreeRoot = ".factory/worktrees"
	cfg.Git.BranchPrefix = "workspace"
	cfg.Reconciler.IntervalSeconds = 60
	cfg.Reconciler.GitStatsWorkers = 3
	cfg.Scheduler.IntervalSeconds = 120
	cfg.Scheduler.SyncWorkers = 4
	cfg.Scheduler.StaleAfterMinute = 10
	cfg.GitHub.UsernameTTLSeconds = 3600
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultConfigPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Store.DBPath) == "" {
		return fmt.Errorf("store.db_path cannot be empty")
	}
	if strings.TrimSpace(cfg.Git.WorktreeRoot) == "" {
		return fmt.Errorf("git.worktree_root cannot be empty")
	}
	if cfg.Reconciler.IntervalSeconds <= 0 {
		return fmt.Errorf("reconciler.interval_seconds must be > 0")
	}
	if cfg.Reconciler.GitStatsWorkers <= 0 {
		return fmt.Errorf("reconciler.git_stats_workers must be > 0")
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	if cfg.Scheduler.SyncWorkers <= 0 {
		return fmt.Errorf("scheduler.sync_workers must be > 0")
	}
	if cfg.Scheduler.StaleAfterMinute <= 0 {
		return fmt.Errorf("scheduler.stale_after_minutes must be > 0")
	}
	if cfg.GitHub.UsernameTTLSeconds <= 0 {
		return fmt.Errorf("github.username_ttl_seconds must be > 0")
	}
	return nil
}
