package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/orchestrator"
	"github.com/mpataki/ampwork/internal/worktree"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"s"},
		Short:   "Manage agent sessions",
	}
	cmd.AddCommand(
		newSessionCreateCommand(),
		newSessionIterateCommand(),
		newSessionDiffCommand(),
		newSessionCleanupCommand(),
		newSessionListCommand(),
		newSessionSquashCommand(),
		newSessionRebaseCommand(),
		newSessionContinueCommand(),
		newSessionAbortCommand(),
		newSessionMergeCommand(),
	)
	return cmd
}

func newSessionCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session with its own branch and worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repo")
			base, _ := cmd.Flags().GetString("base")
			script, _ := cmd.Flags().GetString("script")
			model, _ := cmd.Flags().GetString("model")
			autoCommit, _ := cmd.Flags().GetBool("auto-commit")
			interactive, _ := cmd.Flags().GetBool("interactive")

			mode := models.SessionModeAsync
			if interactive {
				mode = models.SessionModeInteractive
			}
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				sess, err := orch.Sessions().CreateSession(ctx, worktree.CreateOptions{
					RepoRoot:      repo,
					Name:          args[0],
					BaseBranch:    base,
					Mode:          mode,
					ScriptCommand: script,
					ModelOverride: model,
					AutoCommit:    autoCommit,
				})
				if err != nil {
					return fmt.Errorf("failed to create session: %w", err)
				}
				fmt.Printf("Created session %s\n", sess.ID)
				fmt.Printf("Branch: %s (from %s)\n", sess.BranchName, sess.BaseBranch)
				fmt.Printf("Worktree: %s\n", sess.WorktreePath)
				return nil
			})
		},
	}
	cmd.Flags().StringP("repo", "r", ".", "Git repository the session branches from")
	cmd.Flags().StringP("base", "b", "", "Base branch (default: the repository's current branch)")
	cmd.Flags().String("script", "", "Shell command to run instead of the agent")
	cmd.Flags().StringP("model", "m", "", "Model override passed to the agent")
	cmd.Flags().Bool("auto-commit", false, "Commit the agent's changes after each successful iteration")
	cmd.Flags().Bool("interactive", false, "Create the session in interactive mode")
	return cmd
}

func newSessionIterateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iterate <session-id> [notes]",
		Short: "Run the agent once in the session's worktree",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes := ""
			if len(args) == 2 {
				notes = args[1]
			}
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				notes = string(data)
			}

			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				it, err := orch.Sessions().Iterate(ctx, args[0], worktree.IterateOptions{Notes: notes})
				if it == nil {
					return fmt.Errorf("iteration failed: %w", err)
				}
				exit := -1
				if it.ExitCode != nil {
					exit = *it.ExitCode
				}
				fmt.Printf("Iteration #%d finished with exit code %d\n", it.ID, exit)
				fmt.Printf("Changed files: %d\n", it.ChangedFiles)
				if it.CommitSHA != "" {
					fmt.Printf("Commit: %s\n", it.CommitSHA)
				}
				if it.TotalTokens > 0 {
					fmt.Printf("Tokens: %d (%s)\n", it.TotalTokens, it.Model)
				}
				if it.LogPath != "" {
					fmt.Printf("Log: %s\n", it.LogPath)
				}
				return err
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "Read the notes from a file")
	return cmd
}

func newSessionDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <session-id>",
		Short: "Show the session's changes against its base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				diff, err := orch.Sessions().GetDiff(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Print(diff)
				return nil
			})
		},
	}
}

func newSessionCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup <session-id>",
		Short: "Remove the session's worktree, branch and record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if err := orch.Sessions().Cleanup(ctx, args[0], force); err != nil {
					return fmt.Errorf("failed to clean up session: %w", err)
				}
				fmt.Printf("Cleaned up session %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().Bool("force", false, "Discard uncommitted changes and stop a running agent")
	return cmd
}

func newSessionListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repo")
			asJSON, _ := cmd.Flags().GetBool("json")
			if repo != "" {
				abs, err := filepath.Abs(repo)
				if err != nil {
					return err
				}
				repo = abs
			}
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				sessions, err := orch.Sessions().ListSessions(ctx, repo)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(sessions)
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				for _, s := range sessions {
					fmt.Printf("%s %s [%s/%s] %s\n",
						s.ID[:8], truncate(s.Name, 40), s.Status, s.Mode, s.BranchName)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("repo", "r", "", "Only list sessions of this repository")
	cmd.Flags().Bool("json", false, "Print sessions as JSON")
	return cmd
}

func newSessionSquashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "squash <session-id>",
		Short: "Squash the session's commits into one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, _ := cmd.Flags().GetString("message")
			if msg == "" {
				return fmt.Errorf("--message is required")
			}
			return mergeCommand(func(ctx context.Context, m *worktree.Manager) (*worktree.MergeResult, error) {
				return m.SquashCommits(ctx, args[0], msg)
			})
		},
	}
	cmd.Flags().StringP("message", "m", "", "Commit message of the squashed commit")
	return cmd
}

func newSessionRebaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebase <session-id>",
		Short: "Rebase the session branch onto its base or another upstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upstream, _ := cmd.Flags().GetString("onto")
			return mergeCommand(func(ctx context.Context, m *worktree.Manager) (*worktree.MergeResult, error) {
				if upstream == "" {
					return m.RebaseOntoBase(ctx, args[0])
				}
				return m.Rebase(ctx, args[0], upstream)
			})
		},
	}
	cmd.Flags().String("onto", "", "Upstream to rebase onto (default: the base branch)")
	return cmd
}

func newSessionContinueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "continue <session-id>",
		Short: "Continue a rebase or cherry-pick after resolving conflicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mergeCommand(func(ctx context.Context, m *worktree.Manager) (*worktree.MergeResult, error) {
				return m.ContinueMerge(ctx, args[0])
			})
		},
	}
}

func newSessionAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort an in-progress rebase or cherry-pick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if err := orch.Sessions().AbortMerge(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Aborted.")
				return nil
			})
		},
	}
}

func newSessionMergeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <session-id>",
		Short: "Fast-forward the base branch to the session branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mergeCommand(func(ctx context.Context, m *worktree.Manager) (*worktree.MergeResult, error) {
				return m.FastForwardMerge(ctx, args[0])
			})
		},
	}
}

func mergeCommand(fn func(ctx context.Context, m *worktree.Manager) (*worktree.MergeResult, error)) error {
	return withOrchestrator(func(ctx context.Context, orch *orchestrator.Orchestrator) error {
		res, err := fn(ctx, orch.Sessions())
		if err != nil {
			return err
		}
		if !res.Clean() {
			fmt.Printf("%s stopped on conflicts:\n", res.Operation)
			for _, path := range res.Conflicts {
				fmt.Printf("  %s\n", path)
			}
			fmt.Println("Resolve them in the worktree, then run continue or abort.")
			return fmt.Errorf("%d conflicting files", len(res.Conflicts))
		}
		if res.HeadSHA != "" {
			fmt.Printf("Done. HEAD is now %s\n", res.HeadSHA)
		} else {
			fmt.Println("Done.")
		}
		return nil
	})
}
