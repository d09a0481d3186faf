// Package gitops issues git subprocess commands against a repository or one
// of its worktrees. It holds no state; every call names the directory it
// runs in.
package gitops

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandError carries the stderr of a failed git invocation.
type CommandError struct {
	Args     []string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Operation is a multi-step git operation that may stop on conflicts.
type Operation string

const (
	OpNone       Operation = ""
	OpRebase     Operation = "rebase"
	OpMerge      Operation = "merge"
	OpCherryPick Operation = "cherry-pick"
)

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Head     string
	Branch   string
	Detached bool
	Prunable bool
}

func command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_EDITOR=true", "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// run returns trimmed stdout.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runRaw(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

func runRaw(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := command(ctx, dir, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		cerr := &CommandError{Args: args, Stderr: stderr.String(), ExitCode: -1, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		return stdout.String(), cerr
	}
	return stdout.String(), nil
}

// TopLevel returns the root of the working tree containing dir.
func TopLevel(ctx context.Context, dir string) (string, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return filepath.Clean(out), nil
}

// CurrentBranch returns the branch checked out in dir, or "" when HEAD is
// detached.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.ExitCode == 1 {
		return "", nil
	}
	return out, err
}

func BranchExists(ctx context.Context, dir, branch string) bool {
	return command(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch).Run() == nil
}

func HeadSHA(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "HEAD")
}

func RevParse(ctx context.Context, dir, rev string) (string, error) {
	return run(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
}

// WorktreeAdd creates branch at base and checks it out at path.
func WorktreeAdd(ctx context.Context, repo, path, branch, base string) error {
	_, err := run(ctx, repo, "worktree", "add", "-b", branch, path, base)
	return err
}

func WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := run(ctx, repo, args...)
	return err
}

func WorktreePrune(ctx context.Context, repo string) error {
	_, err := run(ctx, repo, "worktree", "prune")
	return err
}

func DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := run(ctx, repo, "branch", "-D", branch)
	return err
}

func ListWorktrees(ctx context.Context, repo string) ([]Worktree, error) {
	out, err := runRaw(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out)
}

// parseWorktreeList parses `git worktree list --porcelain`, where entries
// are separated by blank lines:
//
//	worktree /path/to/worktree
//	HEAD <commit>
//	branch refs/heads/<branch>
func parseWorktreeList(output string) ([]Worktree, error) {
	var worktrees []Worktree
	var current *Worktree

	flush := func() {
		if current != nil {
			worktrees = append(worktrees, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "detached":
			current.Detached = true
		case strings.HasPrefix(line, "prunable"):
			current.Prunable = true
		case line == "":
			flush()
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return worktrees, nil
}

// Status returns `git status --porcelain` lines, untracked files included.
func Status(ctx context.Context, dir string) ([]string, error) {
	out, err := runRaw(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func IsDirty(ctx context.Context, dir string) (bool, error) {
	lines, err := Status(ctx, dir)
	return len(lines) > 0, err
}

// EnsureExcluded adds pattern to the repository's info/exclude file so
// session worktrees never show up as untracked in the main checkout.
func EnsureExcluded(ctx context.Context, repo, pattern string) error {
	path, err := run(ctx, repo, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(repo, path)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		pattern = "\n" + pattern
	}
	_, err = f.WriteString(pattern + "\n")
	return err
}
