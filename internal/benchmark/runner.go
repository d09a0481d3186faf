// Package benchmark runs suites of graded cases on the batch worker pool.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/batch"
	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/grader"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/suite"
	"github.com/mpataki/ampwork/internal/worktree"
)

const maxTestOutput = 16 * 1024

// Sessions adds diff access to what a batch needs, for grading.
type Sessions interface {
	batch.Sessions
	GetDiff(ctx context.Context, sessionID string) (string, error)
}

type Runner struct {
	store    *storage.Storage
	sessions Sessions
	cfg      batch.Config
	runs     *batch.Lifecycle[*models.CaseResult]
	logger   *zap.Logger
}

func NewRunner(store *storage.Storage, sessions Sessions, hub events.Publisher, cfg batch.Config, logger *zap.Logger) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	r := &Runner{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("benchmark"),
	}
	r.runs = batch.NewLifecycle[*models.CaseResult](benchmarkRecords{r}, hub, r.logger)
	return r
}

// plan is the part of a suite that is not persisted per case.
type plan struct {
	defaults models.BatchDefaults
	models   map[string]string
}

// Start stores the suite as a run with every case queued and schedules it.
func (r *Runner) Start(ctx context.Context, s *suite.Suite) (string, error) {
	if len(s.Cases) == 0 {
		return "", batch.ErrNoItems
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	concurrency, timeout := r.cfg.Limits(s.Concurrency, s.Timeout, len(s.Cases))

	run := &models.BenchmarkRun{
		ID:          uuid.NewString(),
		Suite:       s.Name,
		CreatedAt:   time.Now().UTC(),
		Status:      models.RunStatusRunning,
		Concurrency: concurrency,
		Timeout:     timeout,
	}
	p := plan{defaults: s.Defaults, models: make(map[string]string)}
	cases := make([]*models.CaseResult, 0, len(s.Cases))
	for _, c := range s.Cases {
		cases = append(cases, &models.CaseResult{
			CaseID:      c.ID,
			Repo:        c.Repo,
			Prompt:      c.Prompt,
			TestCommand: c.Test,
			Grader:      c.Grader,
		})
		p.models[c.ID] = c.Model
	}
	if err := r.store.CreateBenchmark(ctx, run, cases); err != nil {
		return "", fmt.Errorf("create benchmark: %w", err)
	}

	r.logger.Info("benchmark started",
		zap.String("run", run.ID),
		zap.String("suite", s.Name),
		zap.Int("cases", len(cases)),
		zap.Int("concurrency", concurrency),
	)
	r.runs.Launch(ctx, run.ID, concurrency, len(cases),
		func(ctx context.Context) (*models.CaseResult, bool, error) {
			c, err := r.store.ClaimNextCase(ctx, run.ID)
			return c, c != nil, err
		},
		func(ctx context.Context, c *models.CaseResult) {
			r.runCase(ctx, run, p, c)
		},
	)
	return run.ID, nil
}

func (r *Runner) runCase(runCtx context.Context, run *models.BenchmarkRun, p plan, c *models.CaseResult) {
	r.publish(run.ID, events.KindRunUpdated, events.CaseUpdate{CaseID: c.CaseID, Status: string(c.Status)})

	ctx, cancel := batch.TaskContext(runCtx, run.Timeout)
	defer cancel()

	log := r.logger.With(zap.String("run", run.ID), zap.String("case", c.CaseID))
	status, reason := r.attempt(ctx, p, c, log)
	if status != models.CaseStatusPass && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status, reason = models.CaseStatusTimeout, "timed out"
	}

	c.Status = status
	c.Error = reason
	if _, err := r.store.FinishCase(context.Background(), c); err != nil {
		log.Error("finish case", zap.Error(err))
	}
	log.Info("case finished", zap.String("status", string(status)), zap.String("reason", reason))

	r.publish(run.ID, events.KindCaseFinished, events.CaseOutcome{CaseID: c.CaseID, Status: string(status)})
	r.publish(run.ID, events.KindRunUpdated, events.CaseUpdate{CaseID: c.CaseID, Status: string(status)})
}

// attempt provisions a session, iterates once, runs the case's test command
// and grades the outcome.
func (r *Runner) attempt(ctx context.Context, p plan, c *models.CaseResult, log *zap.Logger) (models.CaseStatus, string) {
	sess, err := r.sessions.CreateSession(ctx, worktree.CreateOptions{
		RepoRoot:      c.Repo,
		Name:          fmt.Sprintf("bench %s", c.CaseID),
		BaseBranch:    p.defaults.BaseBranch,
		ScriptCommand: p.defaults.ScriptCommand,
		ModelOverride: p.models[c.CaseID],
		AutoCommit:    p.defaults.AutoCommit,
	})
	if err != nil {
		return models.CaseStatusError, err.Error()
	}
	c.SessionID = sess.ID
	if err := r.store.SetCaseSession(ctx, c.ID, sess.ID); err != nil {
		log.Warn("link case session", zap.Error(err))
	}

	it, err := r.sessions.Iterate(ctx, sess.ID, worktree.IterateOptions{Notes: c.Prompt})
	if err != nil {
		return models.CaseStatusError, err.Error()
	}
	c.TokensTotal = it.TotalTokens

	outcome := grader.Outcome{
		CaseID:       c.CaseID,
		Prompt:       c.Prompt,
		AgentExit:    -1,
		AgentOutput:  it.Output,
		ChangedFiles: it.ChangedFiles,
		TokensTotal:  it.TotalTokens,
	}
	if it.ExitCode != nil {
		outcome.AgentExit = *it.ExitCode
	}

	if c.TestCommand != "" {
		code, out, err := runTest(ctx, sess.WorktreePath, c.TestCommand)
		c.TestOutput = out
		if err != nil {
			return models.CaseStatusError, fmt.Sprintf("run test: %v", err)
		}
		outcome.TestExit = code
		outcome.TestOutput = out
	}

	if diff, err := r.sessions.GetDiff(ctx, sess.ID); err == nil {
		outcome.Diff = diff
	} else {
		log.Warn("diff for grading", zap.Error(err))
	}

	verdict := grader.Default(outcome)
	if c.Grader != "" {
		g, err := grader.Load(c.Grader)
		if err != nil {
			return models.CaseStatusError, err.Error()
		}
		if verdict, err = g.Grade(ctx, outcome); err != nil {
			return models.CaseStatusError, err.Error()
		}
		for _, line := range verdict.Logs {
			log.Debug("grader", zap.String("log", line))
		}
	}
	if verdict.Pass {
		return models.CaseStatusPass, verdict.Reason
	}
	return models.CaseStatusFail, verdict.Reason
}

// runTest runs command through sh in dir, in its own process group so a
// timeout takes down everything it started.
func runTest(ctx context.Context, dir, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	if len(out) > maxTestOutput {
		out = out[len(out)-maxTestOutput:]
	}
	if cmd.ProcessState == nil {
		return -1, string(out), err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && ctx.Err() == nil {
		return -1, string(out), err
	}
	return cmd.ProcessState.ExitCode(), string(out), nil
}

// Abort stops further claims; in-flight cases finish.
func (r *Runner) Abort(ctx context.Context, runID string) error {
	return r.runs.Abort(ctx, runID)
}

func (r *Runner) Wait(ctx context.Context, runID string) error {
	return r.runs.Wait(ctx, runID)
}

func (r *Runner) Shutdown(ctx context.Context) error {
	return r.runs.Shutdown(ctx)
}

func (r *Runner) Summary(ctx context.Context, runID string) (models.BenchmarkSummary, error) {
	run, err := r.store.GetBenchmark(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.BenchmarkSummary{}, fmt.Errorf("%w: %s", batch.ErrRunNotFound, runID)
	}
	if err != nil {
		return models.BenchmarkSummary{}, err
	}
	cases, err := r.store.ListCases(ctx, runID)
	if err != nil {
		return models.BenchmarkSummary{}, err
	}
	return models.SummarizeBenchmark(run, cases), nil
}

func (r *Runner) Cases(ctx context.Context, runID string) ([]*models.CaseResult, error) {
	if _, err := r.Summary(ctx, runID); err != nil {
		return nil, err
	}
	return r.store.ListCases(ctx, runID)
}

func (r *Runner) publish(runID string, kind events.Kind, payload events.Payload) {
	r.runs.Publish(runID, kind, payload)
}

type benchmarkRecords struct{ r *Runner }

func (b benchmarkRecords) Status(ctx context.Context, runID string) (models.RunStatus, error) {
	run, err := b.r.store.GetBenchmark(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

func (b benchmarkRecords) SetStatus(ctx context.Context, runID string, status models.RunStatus) error {
	return b.r.store.SetBenchmarkStatus(ctx, runID, status)
}

func (b benchmarkRecords) Counts(ctx context.Context, runID string) (int, map[string]int, error) {
	sum, err := b.r.Summary(ctx, runID)
	if err != nil {
		return 0, nil, err
	}
	counts := make(map[string]int, len(sum.Counts))
	for k, v := range sum.Counts {
		counts[string(k)] = v
	}
	return sum.Total, counts, nil
}
