package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/agent"
	"github.com/mpataki/ampwork/internal/api"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/orchestrator"
)

func newPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune [repo]",
		Short: "Remove orphaned worktrees and sessions whose worktree is gone",
		Long:  "Remove orphaned worktrees and sessions whose worktree is gone. Without a repository every repository known to the database is pruned.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if len(args) == 1 {
					report, err := orch.Sessions().PruneOrphans(ctx, args[0], dryRun)
					if err != nil {
						return err
					}
					printPruneReport(report.RepoRoot, report.DryRun, report.OrphanWorktrees, report.OrphanSessions)
					return nil
				}
				if dryRun {
					return fmt.Errorf("--dry-run needs a repository")
				}
				report, err := orch.Batches().CleanWorktreeEnvironment(ctx)
				if err != nil {
					return err
				}
				for _, r := range report.Repos {
					printPruneReport(r.RepoRoot, r.DryRun, r.OrphanWorktrees, r.OrphanSessions)
				}
				for repo, msg := range report.Failed {
					fmt.Printf("%s: failed: %s\n", repo, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report orphans without removing them")
	return cmd
}

func printPruneReport(repo string, dryRun bool, worktrees, sessions []string) {
	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	fmt.Printf("%s:\n", repo)
	if len(worktrees) == 0 && len(sessions) == 0 {
		fmt.Println("  nothing to prune")
		return
	}
	for _, w := range worktrees {
		fmt.Printf("  %s worktree %s\n", verb, w)
	}
	for _, s := range sessions {
		fmt.Printf("  %s session %s\n", verb, s)
	}
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset work left running by a process that exited",
		Long:  "Reset sessions left running to idle, fail batch items and benchmark cases left running, then prune orphaned worktrees in every known repository. Only run it while no other ampwork process is active.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				report, err := orch.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Repaired %d sessions, failed %d interrupted items\n", report.RepairedSessions, report.FailedItems)
				fmt.Printf("Pruned %d orphan worktrees and %d orphan sessions\n", report.PrunedWorktrees, report.PrunedSessions)
				if report.FailedRepos > 0 {
					fmt.Printf("%d repositories could not be pruned; see the log\n", report.FailedRepos)
				}
				return nil
			})
		},
	}
}

func newIngestLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-log <debug.log>",
		Short: "Parse an agent debug log and optionally record its tool calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			iterationID, _ := cmd.Flags().GetInt64("iteration")
			asJSON, _ := cmd.Flags().GetBool("json")

			parsed, err := agent.ParseDebugLogFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse log: %w", err)
			}

			if sessionID != "" {
				err := withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
					if _, err := orch.Sessions().GetSession(ctx, sessionID); err != nil {
						return err
					}
					calls := make([]*models.ToolCall, 0, len(parsed.ToolCalls))
					for _, c := range parsed.ToolCalls {
						calls = append(calls, c.ToModel(sessionID, iterationID))
					}
					return orch.Storage().RecordToolCalls(ctx, calls)
				})
				if err != nil {
					return fmt.Errorf("failed to record tool calls: %w", err)
				}
			}

			if asJSON {
				return printJSON(parsed)
			}
			fmt.Printf("Model: %s\n", parsed.Model)
			if parsed.ThreadID != "" {
				fmt.Printf("Thread: %s\n", parsed.ThreadID)
			}
			fmt.Printf("Tokens: %d in, %d out, %d total\n", parsed.Usage.Input, parsed.Usage.Output, parsed.Usage.Total)
			if parsed.Perf != nil {
				fmt.Printf("Inference: %.1fs, %.1f tokens/s\n", parsed.Perf.InferenceDuration, parsed.Perf.TokensPerSecond)
			}
			fmt.Printf("Tool calls: %d\n", len(parsed.ToolCalls))
			for _, c := range parsed.ToolCalls {
				status := "ok"
				if !c.Completed {
					status = "incomplete"
				} else if !c.Success {
					status = "failed"
				}
				fmt.Printf("  %s %s [%s, %dms]\n", c.Time.Local().Format(time.TimeOnly), c.Name, status, c.DurationMs)
			}
			for _, e := range parsed.Errors {
				fmt.Printf("Error: %s\n", truncate(e, 120))
			}
			if sessionID != "" {
				fmt.Printf("Recorded %d tool calls on session %s\n", len(parsed.ToolCalls), sessionID)
			}
			return nil
		},
	}
	cmd.Flags().String("session", "", "Record the tool calls on this session")
	cmd.Flags().Int64("iteration", 0, "Iteration the recorded tool calls belong to")
	cmd.Flags().Bool("json", false, "Print the parsed log as JSON")
	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")

			orch, logger, err := open()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			recoverOnStartup(ctx, orch, logger)
			if listen == "" {
				listen = orch.Config().Listen
			}

			router := api.NewRouter(api.Deps{
				Store:      orch.Storage(),
				Hub:        orch.Hub(),
				Sessions:   orch.Sessions(),
				Batches:    orch.Batches(),
				Benchmarks: orch.Benchmarks(),
				Token:      orch.Config().APIToken,
			}, logger)
			serveErr := api.Serve(ctx, listen, router, logger)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), orch.Config().ItemTimeout)
			defer cancel()
			logger.Info("shutting down; waiting for in-flight items")
			if err := orch.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown", zap.Error(err))
			}
			return serveErr
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on (default: AMPWORK_LISTEN)")
	return cmd
}

type recoverer interface {
	Recover(ctx context.Context) (*orchestrator.RecoveryReport, error)
}

// recoverOnStartup runs recovery before serving. A failure is logged and
// never stops the server from starting.
func recoverOnStartup(ctx context.Context, r recoverer, logger *zap.Logger) *orchestrator.RecoveryReport {
	report, err := r.Recover(ctx)
	if err != nil {
		logger.Error("startup recovery failed, serving anyway", zap.Error(err))
		return nil
	}
	return report
}
