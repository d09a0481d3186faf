// Package batch schedules prompts across many repositories with bounded
// concurrency, one ephemeral session per item.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/worktree"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrNoItems     = errors.New("run has no items")
)

// Sessions is the part of the worktree manager a run drives.
type Sessions interface {
	CreateSession(ctx context.Context, opts worktree.CreateOptions) (*models.Session, error)
	Iterate(ctx context.Context, sessionID string, opts worktree.IterateOptions) (*models.Iteration, error)
	PruneOrphans(ctx context.Context, repoRoot string, dryRun bool) (*worktree.PruneReport, error)
}

type Config struct {
	Concurrency int
	Timeout     time.Duration
}

type Controller struct {
	store    *storage.Storage
	sessions Sessions
	cfg      Config
	runs     *Lifecycle[*models.BatchItem]
	logger   *zap.Logger
}

func NewController(store *storage.Storage, sessions Sessions, hub events.Publisher, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	c := &Controller{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("batch"),
	}
	c.runs = NewLifecycle[*models.BatchItem](batchRecords{c}, hub, c.logger)
	return c
}

type ItemSpec struct {
	Repo   string `json:"repo" yaml:"repo"`
	Prompt string `json:"prompt" yaml:"prompt"`
	Model  string `json:"model,omitempty" yaml:"model"`
}

type StartOptions struct {
	Items       []ItemSpec
	Concurrency int
	Timeout     time.Duration
	Defaults    models.BatchDefaults
}

// Start persists the run with all items queued and schedules it in the
// background. It returns as soon as the run is stored.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (string, error) {
	if len(opts.Items) == 0 {
		return "", ErrNoItems
	}
	concurrency, timeout := c.cfg.Limits(opts.Concurrency, opts.Timeout, len(opts.Items))

	run := &models.BatchRun{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Status:      models.RunStatusRunning,
		Concurrency: concurrency,
		Timeout:     timeout,
		Defaults:    opts.Defaults,
	}
	items := make([]*models.BatchItem, 0, len(opts.Items))
	for i, spec := range opts.Items {
		if spec.Repo == "" {
			return "", fmt.Errorf("item %d: repo is required", i)
		}
		model := spec.Model
		if model == "" {
			model = opts.Defaults.Model
		}
		items = append(items, &models.BatchItem{Repo: spec.Repo, Prompt: spec.Prompt, Model: model})
	}
	if err := c.store.CreateBatch(ctx, run, items); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	c.logger.Info("batch started",
		zap.String("run", run.ID),
		zap.Int("items", len(items)),
		zap.Int("concurrency", concurrency),
		zap.Duration("timeout", timeout),
	)
	c.runs.Launch(ctx, run.ID, concurrency, len(items),
		func(ctx context.Context) (*models.BatchItem, bool, error) {
			item, err := c.store.ClaimNextBatchItem(ctx, run.ID)
			return item, item != nil, err
		},
		func(ctx context.Context, item *models.BatchItem) {
			c.runItem(ctx, run, item)
		},
	)
	return run.ID, nil
}

// runItem provisions a session for the item and iterates once. Abort does
// not interrupt it; only the per-item timeout does.
func (c *Controller) runItem(runCtx context.Context, run *models.BatchRun, item *models.BatchItem) {
	c.publish(run.ID, events.KindRunUpdated, events.ItemUpdate{ItemID: item.ID, Status: string(item.Status)})

	ctx, cancel := TaskContext(runCtx, run.Timeout)
	defer cancel()

	log := c.logger.With(zap.String("run", run.ID), zap.Int64("item", item.ID), zap.String("repo", item.Repo))
	status, errMsg := c.attempt(ctx, run, item)

	item.Status = status
	item.Error = errMsg
	if _, err := c.store.FinishBatchItem(context.Background(), item); err != nil {
		log.Error("finish item", zap.Error(err))
	}
	log.Info("item finished", zap.String("status", string(status)), zap.String("error", errMsg))
	c.publish(run.ID, events.KindRunUpdated, events.ItemUpdate{ItemID: item.ID, Status: string(status), Error: errMsg})
}

func (c *Controller) attempt(ctx context.Context, run *models.BatchRun, item *models.BatchItem) (models.ItemStatus, string) {
	d := run.Defaults
	sess, err := c.sessions.CreateSession(ctx, worktree.CreateOptions{
		RepoRoot:      item.Repo,
		Name:          itemName(d.NamePrefix, "batch", item.ID),
		BaseBranch:    d.BaseBranch,
		ScriptCommand: d.ScriptCommand,
		ModelOverride: item.Model,
		AutoCommit:    d.AutoCommit,
	})
	if err != nil {
		return failureStatus(err), err.Error()
	}
	item.SessionID = sess.ID
	if err := c.store.SetBatchItemSession(ctx, item.ID, sess.ID); err != nil {
		c.logger.Warn("link item session", zap.Int64("item", item.ID), zap.Error(err))
	}

	it, err := c.sessions.Iterate(ctx, sess.ID, worktree.IterateOptions{Notes: item.Prompt})
	if it != nil {
		item.TokensTotal = it.TotalTokens
		if it.Model != "" {
			item.Model = it.Model
		}
	}
	if err != nil {
		return failureStatus(err), err.Error()
	}
	if !it.Succeeded() {
		code := -1
		if it.ExitCode != nil {
			code = *it.ExitCode
		}
		return models.ItemStatusFail, fmt.Sprintf("agent exited with code %d", code)
	}
	return models.ItemStatusSuccess, ""
}

func failureStatus(err error) models.ItemStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ItemStatusTimeout
	}
	return models.ItemStatusError
}

func itemName(prefix, fallback string, id int64) string {
	if prefix == "" {
		prefix = fallback
	}
	return fmt.Sprintf("%s %d", prefix, id)
}

// Abort stops the run from claiming further items. In-flight items finish
// and the run then settles as aborted; queued items stay queued.
func (c *Controller) Abort(ctx context.Context, runID string) error {
	return c.runs.Abort(ctx, runID)
}

// Wait blocks until the run's workers have settled or ctx ends.
func (c *Controller) Wait(ctx context.Context, runID string) error {
	return c.runs.Wait(ctx, runID)
}

// Shutdown aborts every live batch and waits for them to settle.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.runs.Shutdown(ctx)
}

func (c *Controller) Summary(ctx context.Context, runID string) (models.BatchSummary, error) {
	run, err := c.store.GetBatch(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.BatchSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return models.BatchSummary{}, err
	}
	items, err := c.store.ListBatchItems(ctx, runID)
	if err != nil {
		return models.BatchSummary{}, err
	}
	return models.SummarizeBatch(run, items), nil
}

func (c *Controller) Items(ctx context.Context, runID string) ([]*models.BatchItem, error) {
	if _, err := c.Summary(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.ListBatchItems(ctx, runID)
}

type CleanReport struct {
	Repos  []*worktree.PruneReport `json:"repos"`
	Failed map[string]string       `json:"failed,omitempty"`
}

// CleanWorktreeEnvironment prunes orphans in every repository any session,
// batch item or benchmark case refers to. A failing repository is reported
// and skipped.
func (c *Controller) CleanWorktreeEnvironment(ctx context.Context) (*CleanReport, error) {
	roots, err := c.store.DistinctRepoRoots(ctx)
	if err != nil {
		return nil, err
	}
	report := &CleanReport{Failed: make(map[string]string)}
	for _, root := range roots {
		pr, err := c.sessions.PruneOrphans(ctx, root, false)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			c.logger.Warn("prune repo", zap.String("repo", root), zap.Error(err))
			report.Failed[root] = err.Error()
			continue
		}
		report.Repos = append(report.Repos, pr)
	}
	return report, nil
}

func (c *Controller) publish(runID string, kind events.Kind, payload events.Payload) {
	c.runs.Publish(runID, kind, payload)
}

// batchRecords persists batch run rows for the lifecycle.
type batchRecords struct{ c *Controller }

func (r batchRecords) Status(ctx context.Context, runID string) (models.RunStatus, error) {
	run, err := r.c.store.GetBatch(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

func (r batchRecords) SetStatus(ctx context.Context, runID string, status models.RunStatus) error {
	return r.c.store.SetBatchStatus(ctx, runID, status)
}

func (r batchRecords) Counts(ctx context.Context, runID string) (int, map[string]int, error) {
	sum, err := r.c.Summary(ctx, runID)
	if err != nil {
		return 0, nil, err
	}
	counts := make(map[string]int, len(sum.Counts))
	for k, v := range sum.Counts {
		counts[string(k)] = v
	}
	return sum.Total, counts, nil
}
