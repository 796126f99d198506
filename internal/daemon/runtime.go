// Package daemon is the composition root: it builds every collaborator,
// wires the domain bridges, and runs the periodic engines until shutdown.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/purplefish-ai/factory-factory-sub006/internal/bridge"
	"github.com/purplefish-ai/factory-factory-sub006/internal/config"
	"github.com/purplefish-ai/factory-factory-sub006/internal/events"
	"github.com/purplefish-ai/factory-factory-sub006/internal/github"
	"github.com/purplefish-ai/factory-factory-sub006/internal/gitops"
	"github.com/purplefish-ai/factory-factory-sub006/internal/hsm"
	"github.com/purplefish-ai/factory-factory-sub006/internal/orchestrator"
	"github.com/purplefish-ai/factory-factory-sub006/internal/ratchet"
	"github.com/purplefish-ai/factory-factory-sub006/internal/reconciler"
	"github.com/purplefish-ai/factory-factory-sub006/internal/runscript"
	"github.com/purplefish-ai/factory-factory-sub006/internal/scheduler"
	"github.com/purplefish-ai/factory-factory-sub006/internal/sessions"
	"github.com/purplefish-ai/factory-factory-sub006/internal/snapshot"
	"github.com/purplefish-ai/factory-factory-sub006/internal/store"
)

type Options struct {
	ConfigPath string
}

type Runtime struct {
	cfg    config.Config
	logger *log.Logger

	store     *store.Store
	snapshots *snapshot.Store
	bus       *events.Bus
	applier   *events.Applier

	Orchestrator *orchestrator.Service
	Reconciler   *reconciler.Engine
	Scheduler    *scheduler.Scheduler
	Sessions     *sessions.Manager
	Ratchet      *ratchet.Engine

	startedAt time.Time
}

func NewRuntime(options Options) (*Runtime, error) {
	cfg, cfgPath, err := config.Load(options.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)
	logger.Printf("using config %s", cfgPath)

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	busLogger := watermill.NewStdLogger(false, false)
	var bus *events.Bus
	if cfg.Events.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		bus, err = events.NewRedisBus(client, "snapshot-appliers", busLogger)
		if err != nil {
			return nil, fmt.Errorf("redis bus: %w", err)
		}
	} else {
		bus = events.NewInProcessBus(busLogger)
	}

	snapshots := snapshot.NewStore(Derivers())
	publisher := events.NewPublisher(bus, logger)
	applier := events.NewApplier(bus, snapshots, logger)

	machine := hsm.NewMachine(st, logger)
	git := gitops.New()
	worktrees := gitops.NewWorktrees(cfg.Git.WorktreeRoot)
	sessionMgr := sessions.NewManager(st, publisher, logger)
	scripts := runscript.NewRunner(st, publisher, logger)
	host := github.NewClient(st, publisher, logger)
	ratchetEngine := ratchet.NewEngine(st, publisher, logger)

	orchestratorSvc := orchestrator.NewService(st, machine, git, worktrees, sessionMgr, scripts, host, logger,
		orchestrator.ServiceOptions{
			UsernameTTL: time.Duration(cfg.GitHub.UsernameTTLSeconds) * time.Second,
		})

	reconcilerEngine := reconciler.NewEngine(st, sessionMgr, git, snapshots, logger, reconciler.Options{
		Interval:  time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second,
		PoolWidth: cfg.Reconciler.GitStatsWorkers,
	})
	schedulerSvc := scheduler.New(st, host, logger, scheduler.Options{
		Interval:     time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		PoolWidth:    cfg.Scheduler.SyncWorkers,
		StaleMinutes: cfg.Scheduler.StaleAfterMinute,
	})

	bridge.ConfigureDomainBridges(st, sessionMgr, ratchetEngine, host)

	return &Runtime{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		snapshots:    snapshots,
		bus:          bus,
		applier:      applier,
		Orchestrator: orchestratorSvc,
		Reconciler:   reconcilerEngine,
		Scheduler:    schedulerSvc,
		Sessions:     sessionMgr,
		Ratchet:      ratchetEngine,
		startedAt:    time.Now().UTC(),
	}, nil
}

// Snapshots exposes the projection store for read surfaces.
func (r *Runtime) Snapshots() *snapshot.Store { return r.snapshots }

// Run starts the event applier and both periodic engines, then blocks until
// ctx is cancelled. Shutdown awaits in-flight cycles before returning.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.applier.Start(ctx); err != nil {
		return fmt.Errorf("start event applier: %w", err)
	}
	r.Reconciler.Start(ctx)
	r.Scheduler.Start(ctx)
	r.logger.Printf("factory daemon running (reconcile every %ds, pr sync every %ds)",
		r.cfg.Reconciler.IntervalSeconds, r.cfg.Scheduler.IntervalSeconds)

	<-ctx.Done()

	r.Scheduler.Stop()
	r.Reconciler.Stop()
	r.applier.Stop()
	if err := r.bus.Close(); err != nil {
		r.logger.Printf("bus close: %v", err)
	}
	r.logger.Printf("factory daemon stopped after %s", time.Since(r.startedAt).Round(time.Second))
	return nil
}
