package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/orchestrator"
	"github.com/mpataki/ampwork/internal/suite"
)

func newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run many prompts across repositories with bounded concurrency",
	}
	cmd.AddCommand(newBatchStartCommand(), newBatchAbortCommand(), newBatchStatusCommand())
	return cmd
}

func newBatchStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <batch.yaml>",
		Short: "Start a batch and follow it until it settles",
		Long:  "Start a batch and follow it until it settles. Interrupting aborts the run: queued items stay queued and in-flight items finish.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := suite.ParseBatch(args[0])
			if err != nil {
				return err
			}
			opts := f.StartOptions()
			if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
				opts.Concurrency = n
			}
			if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
				opts.Timeout = d
			}

			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				updates, unsub := orch.Hub().Subscribe(256)
				defer unsub()

				runID, err := orch.Batches().Start(ctx, opts)
				if err != nil {
					return fmt.Errorf("failed to start batch: %w", err)
				}
				fmt.Printf("Started batch %s with %d items\n", runID, len(opts.Items))

				settled := make(chan error, 1)
				go func() { settled <- orch.Batches().Wait(context.Background(), runID) }()
				abort := func() error { return orch.Batches().Abort(context.Background(), runID) }
				if err := follow(ctx, runID, updates, settled, abort); err != nil {
					return err
				}
				sum, err := orch.Batches().Summary(context.Background(), runID)
				if err != nil {
					return err
				}
				printBatchSummary(sum)
				return nil
			})
		},
	}
	cmd.Flags().IntP("concurrency", "c", 0, "Override the file's concurrency")
	cmd.Flags().Duration("timeout", 0, "Override the file's per-item timeout")
	return cmd
}

// follow prints run events until the run settles. Cancelling ctx calls abort
// once and keeps following so in-flight work is reported.
func follow(ctx context.Context, runID string, ch <-chan events.Event, settled <-chan error, abort func() error) error {
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			fmt.Println("Interrupted, aborting run; waiting for in-flight items...")
			if err := abort(); err != nil {
				fmt.Printf("abort: %v\n", err)
			}
		case err := <-settled:
			return err
		case ev := <-ch:
			if ev.RunID != runID {
				continue
			}
			switch p := ev.Payload.(type) {
			case events.ItemUpdate:
				line := fmt.Sprintf("  item %d: %s", p.ItemID, p.Status)
				if p.Error != "" {
					line += " (" + truncate(p.Error, 80) + ")"
				}
				fmt.Println(line)
			case events.CaseOutcome:
				fmt.Printf("  case %s: %s\n", p.CaseID, p.Status)
			}
		}
	}
}

func newBatchAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Mark a batch left running by a stopped process as aborted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if err := orch.Batches().Abort(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Aborted batch %s\n", args[0])
				return nil
			})
		},
	}
}

func newBatchStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a batch, or list recent batches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if len(args) == 0 {
					runs, err := orch.Storage().ListBatches(ctx, 20)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(runs)
					}
					if len(runs) == 0 {
						fmt.Println("No batches found.")
						return nil
					}
					for _, r := range runs {
						fmt.Printf("%s [%s] concurrency=%d %s\n",
							r.ID, r.Status, r.Concurrency, r.CreatedAt.Local().Format(time.DateTime))
					}
					return nil
				}

				sum, err := orch.Batches().Summary(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := orch.Batches().Items(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(map[string]any{"summary": sum, "items": items})
				}
				printBatchSummary(sum)
				for _, it := range items {
					line := fmt.Sprintf("  %d. [%s] %s: %s", it.ID, it.Status, it.Repo, truncate(it.Prompt, 50))
					if it.Error != "" {
						line += " (" + truncate(it.Error, 60) + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}

func printBatchSummary(sum models.BatchSummary) {
	fmt.Printf("Batch %s: %s\n", sum.RunID, sum.Status)
	fmt.Printf("Items: %d  %s\n", sum.Total, formatCounts(sum.Counts))
	if sum.TokensTotal > 0 {
		fmt.Printf("Tokens: %d\n", sum.TokensTotal)
	}
}

func formatCounts[K ~string](counts map[K]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	var out string
	for _, k := range keys {
		out += fmt.Sprintf("%s=%d ", k, counts[K(k)])
	}
	return out
}

func newBenchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "bench",
		Aliases: []string{"benchmark"},
		Short:   "Run graded benchmark suites",
	}
	cmd.AddCommand(newBenchRunCommand(), newBenchStatusCommand())
	return cmd
}

func newBenchRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <suite.yaml>",
		Short: "Run a benchmark suite and print its pass rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.ParseSuite(args[0])
			if err != nil {
				return err
			}
			if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
				s.Concurrency = n
			}
			minPass, _ := cmd.Flags().GetFloat64("min-pass-rate")

			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				updates, unsub := orch.Hub().Subscribe(256)
				defer unsub()

				runID, err := orch.Benchmarks().Start(ctx, s)
				if err != nil {
					return fmt.Errorf("failed to start benchmark: %w", err)
				}
				fmt.Printf("Started benchmark %s (%s, %d cases)\n", runID, s.Name, len(s.Cases))

				settled := make(chan error, 1)
				go func() { settled <- orch.Benchmarks().Wait(context.Background(), runID) }()
				abort := func() error { return orch.Benchmarks().Abort(context.Background(), runID) }
				if err := follow(ctx, runID, updates, settled, abort); err != nil {
					return err
				}
				sum, err := orch.Benchmarks().Summary(context.Background(), runID)
				if err != nil {
					return err
				}
				printBenchmarkSummary(sum)
				if sum.PassRate < minPass {
					return errors.New("pass rate below --min-pass-rate")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("concurrency", "c", 0, "Override the suite's concurrency")
	cmd.Flags().Float64("min-pass-rate", 0, "Exit non-zero when the pass rate is below this fraction")
	return cmd
}

func newBenchStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a benchmark run, or list recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			suiteName, _ := cmd.Flags().GetString("suite")
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if len(args) == 0 {
					runs, err := orch.Storage().ListBenchmarks(ctx, suiteName, 20)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(runs)
					}
					if len(runs) == 0 {
						fmt.Println("No benchmark runs found.")
						return nil
					}
					for _, r := range runs {
						fmt.Printf("%s %s [%s] %s\n",
							r.ID, r.Suite, r.Status, r.CreatedAt.Local().Format(time.DateTime))
					}
					return nil
				}

				sum, err := orch.Benchmarks().Summary(ctx, args[0])
				if err != nil {
					return err
				}
				cases, err := orch.Benchmarks().Cases(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(map[string]any{"summary": sum, "cases": cases})
				}
				printBenchmarkSummary(sum)
				for _, c := range cases {
					line := fmt.Sprintf("  %-24s %s", c.CaseID, c.Status)
					if c.Error != "" {
						line += " (" + truncate(c.Error, 60) + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	cmd.Flags().String("suite", "", "Only list runs of this suite")
	return cmd
}

func printBenchmarkSummary(sum models.BenchmarkSummary) {
	fmt.Printf("Benchmark %s (%s): %s\n", sum.RunID, sum.Suite, sum.Status)
	fmt.Printf("Cases: %d  %s\n", sum.Total, formatCounts(sum.Counts))
	fmt.Printf("Pass rate: %.1f%%\n", sum.PassRate*100)
	if sum.TokensTotal > 0 {
		fmt.Printf("Tokens: %d\n", sum.TokensTotal)
	}
}
