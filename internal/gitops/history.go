package gitops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Diff returns the patch of dir's working tree against the merge base with
// base, untracked files included. Nothing in the repository is modified.
func Diff(ctx context.Context, dir, base string) (string, error) {
	mergeBase, err := MergeBase(ctx, dir, base, "HEAD")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	tracked, err := runRaw(ctx, dir, "diff", "--no-color", mergeBase)
	if err != nil {
		return "", err
	}
	b.WriteString(tracked)

	untracked, err := run(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", err
	}
	for _, file := range strings.Split(untracked, "\n") {
		if file == "" {
			continue
		}
		// --no-index exits 1 whenever the files differ.
		out, err := runRaw(ctx, dir, "diff", "--no-color", "--no-index", "--", os.DevNull, file)
		var cerr *CommandError
		if err != nil && !(errors.As(err, &cerr) && cerr.ExitCode == 1) {
			return "", err
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

func MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	return run(ctx, dir, "merge-base", a, b)
}

func AddAll(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "add", "-A")
	return err
}

// StagedFiles lists paths staged for the next commit.
func StagedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil || out == "" {
		return nil, err
	}
	return strings.Split(out, "\n"), nil
}

// Commit commits the index and returns the new HEAD. It returns "" without
// committing when nothing is staged.
func Commit(ctx context.Context, dir, message string) (string, error) {
	staged, err := StagedFiles(ctx, dir)
	if err != nil {
		return "", err
	}
	if len(staged) == 0 {
		return "", nil
	}
	if _, err := run(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return HeadSHA(ctx, dir)
}

func ResetSoft(ctx context.Context, dir, rev string) error {
	_, err := run(ctx, dir, "reset", "--soft", rev)
	return err
}

// CommitCount returns how many commits HEAD has beyond base.
func CommitCount(ctx context.Context, dir, base string) (int, error) {
	out, err := run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// Rebase replays HEAD onto upstream. A conflicted rebase is left in progress
// and its conflicted paths are returned with a nil error.
func Rebase(ctx context.Context, dir, upstream string) ([]string, error) {
	return stoppable(ctx, dir, "rebase", upstream)
}

// CherryPick applies commits onto HEAD, stopping on the first conflict.
func CherryPick(ctx context.Context, dir string, commits ...string) ([]string, error) {
	return stoppable(ctx, dir, append([]string{"cherry-pick"}, commits...)...)
}

func stoppable(ctx context.Context, dir string, args ...string) ([]string, error) {
	_, runErr := run(ctx, dir, args...)
	if runErr == nil {
		return nil, nil
	}
	conflicts, err := ConflictFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	return nil, runErr
}

// ConflictFiles lists unmerged paths.
func ConflictFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil, err
	}
	return strings.Split(out, "\n"), nil
}

// InProgress reports which stoppable operation, if any, is underway in dir.
func InProgress(ctx context.Context, dir string) (Operation, error) {
	markers := []struct {
		path string
		op   Operation
	}{
		{"rebase-merge", OpRebase},
		{"rebase-apply", OpRebase},
		{"CHERRY_PICK_HEAD", OpCherryPick},
		{"MERGE_HEAD", OpMerge},
	}
	for _, m := range markers {
		path, err := run(ctx, dir, "rev-parse", "--git-path", m.path)
		if err != nil {
			return OpNone, err
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err == nil {
			return m.op, nil
		}
	}
	return OpNone, nil
}

// Continue stages resolved files and resumes op. Remaining conflicts are
// returned with a nil error.
func Continue(ctx context.Context, dir string, op Operation) ([]string, error) {
	if err := AddAll(ctx, dir); err != nil {
		return nil, err
	}
	if op == OpMerge {
		return stoppable(ctx, dir, "commit", "--no-edit", "--no-verify")
	}
	return stoppable(ctx, dir, string(op), "--continue")
}

func Abort(ctx context.Context, dir string, op Operation) error {
	_, err := run(ctx, dir, string(op), "--abort")
	return err
}

// FastForward advances base to branch without creating a merge commit. When
// base is checked out in repo the checkout is updated too.
func FastForward(ctx context.Context, repo, base, branch string) error {
	current, err := CurrentBranch(ctx, repo)
	if err != nil {
		return err
	}
	if current == base {
		_, err = run(ctx, repo, "merge", "--ff-only", branch)
		return err
	}
	_, err = run(ctx, repo, "fetch", ".", branch+":"+base)
	return err
}
