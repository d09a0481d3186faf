// Package orchestrator wires the store, the agent adapter, the session
// manager and the two schedulers into one process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/agent"
	"github.com/mpataki/ampwork/internal/batch"
	"github.com/mpataki/ampwork/internal/benchmark"
	"github.com/mpataki/ampwork/internal/config"
	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/worktree"
)

type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	storage    *storage.Storage
	hub        *events.Hub
	agent      *agent.Adapter
	sessions   *worktree.Manager
	batches    *batch.Controller
	benchmarks *benchmark.Runner
}

// Open creates the data directory, opens the database and builds every
// component on top of it.
func Open(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	logger = logging.OrNop(logger)

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	hub := events.NewHub()
	adapter := agent.New(agent.Config{
		Binary:    cfg.AgentBin,
		LogDir:    cfg.LogsDir(),
		AuthTTL:   cfg.AuthTTL,
		StopGrace: cfg.StopGrace,
	}, store, hub, logger)
	sessions := worktree.NewManager(store, adapter, logger)
	schedule := batch.Config{Concurrency: cfg.Concurrency, Timeout: cfg.ItemTimeout}

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		storage:    store,
		hub:        hub,
		agent:      adapter,
		sessions:   sessions,
		batches:    batch.NewController(store, sessions, hub, schedule, logger),
		benchmarks: benchmark.NewRunner(store, sessions, hub, schedule, logger),
	}, nil
}

func (o *Orchestrator) Config() *config.Config { return o.cfg }
func (o *Orchestrator) Storage() *storage.Storage { return o.storage }
func (o *Orchestrator) Hub() *events.Hub { return o.hub }
func (o *Orchestrator) Agent() *agent.Adapter { return o.agent }
func (o *Orchestrator) Sessions() *worktree.Manager { return o.sessions }
func (o *Orchestrator) Batches() *batch.Controller { return o.batches }
func (o *Orchestrator) Benchmarks() *benchmark.Runner { return o.benchmarks }

type RecoveryReport struct {
	RepairedSessions int `json:"repairedSessions"`
	FailedItems      int `json:"failedItems"`
	PrunedWorktrees  int `json:"prunedWorktrees"`
	PrunedSessions   int `json:"prunedSessions"`
	FailedRepos      int `json:"failedRepos"`
}

// Recover settles state a previous process left behind: running sessions go
// back to idle, running batch items and benchmark cases become errors, and
// orphaned worktrees and sessions are pruned in every known repository. A
// repository that cannot be pruned is logged and skipped. It must run before
// this process starts any iteration or run.
func (o *Orchestrator) Recover(ctx context.Context) (*RecoveryReport, error) {
	hanging, err := o.storage.GetHangingSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hanging sessions: %w", err)
	}
	for _, s := range hanging {
		o.logger.Warn("repairing session left running",
			zap.String("session_id", s.ID),
			zap.String("repo", s.RepoRoot))
	}

	var report RecoveryReport
	if report.RepairedSessions, err = o.storage.RepairHangingSessions(ctx); err != nil {
		return nil, fmt.Errorf("failed to repair sessions: %w", err)
	}
	if report.FailedItems, err = o.storage.FailInterruptedItems(ctx); err != nil {
		return nil, fmt.Errorf("failed to settle interrupted runs: %w", err)
	}

	clean, err := o.batches.CleanWorktreeEnvironment(ctx)
	if err != nil {
		o.logger.Warn("failed to prune orphans", zap.Error(err))
	}
	if clean != nil {
		for _, r := range clean.Repos {
			report.PrunedWorktrees += len(r.OrphanWorktrees)
			report.PrunedSessions += len(r.OrphanSessions)
		}
		report.FailedRepos = len(clean.Failed)
	}

	o.logger.Info("recovered interrupted work",
		zap.Int("sessions", report.RepairedSessions),
		zap.Int("items", report.FailedItems),
		zap.Int("pruned_worktrees", report.PrunedWorktrees),
		zap.Int("pruned_sessions", report.PrunedSessions),
		zap.Int("failed_repos", report.FailedRepos))
	return &report, nil
}

// Shutdown aborts live runs, waits for their in-flight items, stops every
// interactive handle and closes the database.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errs []error
	if err := o.batches.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batches: %w", err))
	}
	if err := o.benchmarks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("benchmarks: %w", err))
	}
	if err := o.sessions.StopAllInteractive(ctx); err != nil {
		errs = append(errs, fmt.Errorf("interactive: %w", err))
	}
	o.agent.StopAll()
	o.hub.Close()
	if err := o.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the database without waiting on runs. Commands that never
// start a run use it instead of Shutdown.
func (o *Orchestrator) Close() error {
	if err := o.sessions.StopAllInteractive(context.Background()); err != nil {
		o.logger.Warn("failed to detach interactive sessions", zap.Error(err))
	}
	o.agent.StopAll()
	o.hub.Close()
	return o.storage.Close()
}
