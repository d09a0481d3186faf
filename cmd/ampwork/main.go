package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/config"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/orchestrator"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ampwork",
		Short:         "Concurrent agent sessions in isolated git worktrees",
		Long:          "ampwork runs coding-agent sessions in their own git worktrees, alone, in batches or as graded benchmarks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newSessionCommand())
	rootCmd.AddCommand(newBatchCommand())
	rootCmd.AddCommand(newBenchCommand())
	rootCmd.AddCommand(newPruneCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newIngestLogCommand())
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// open loads the configuration and wires every component. The caller owns
// the returned orchestrator and logger.
func open() (*orchestrator.Orchestrator, *zap.Logger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.Open(cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return orch, logger, nil
}

// withOrchestrator runs fn against a freshly opened orchestrator and closes
// it afterwards.
func withOrchestrator(fn func(ctx context.Context, orch *orchestrator.Orchestrator) error) error {
	orch, logger, err := open()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, orch)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
