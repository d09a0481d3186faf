package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// createTempGitRepo creates a repository on branch main with one commit.
func createTempGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dir, _ = filepath.EvalSymlinks(dir)

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
		{"git", "config", "commit.gpgsign", "false"},
	}
	for _, args := range cmds {
		gitCmd(t, dir, args[1:]...)
	}
	writeFile(t, dir, "README.md", "# Test\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %s: %v", strings.Join(args, " "), out, err)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestTopLevelAndBranch(t *testing.T) {
	ctx := context.Background()
	dir := createTempGitRepo(t)

	top, err := TopLevel(ctx, dir)
	if err != nil {
		t.Fatalf("TopLevel() error = %v", err)
	}
	if top != dir {
		t.Errorf("TopLevel() = %q, want %q", top, dir)
	}

	if _, err := TopLevel(ctx, t.TempDir()); err == nil {
		t.Error("TopLevel() on plain directory succeeded")
	}
	if _, err := TopLevel(ctx, "/nonexistent/path"); err == nil {
		t.Error("TopLevel() on missing directory succeeded")
	}

	branch, err := CurrentBranch(ctx, dir)
	if err != nil || branch != "main" {
		t.Errorf("CurrentBranch() = %q, %v", branch, err)
	}

	gitCmd(t, dir, "checkout", "--detach")
	branch, err = CurrentBranch(ctx, dir)
	if err != nil || branch != "" {
		t.Errorf("CurrentBranch() detached = %q, %v", branch, err)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := createTempGitRepo(t)
	path := filepath.Join(repo, ".worktrees", "wt1")

	if err := WorktreeAdd(ctx, repo, path, "amp/feature/1", "main"); err != nil {
		t.Fatalf("WorktreeAdd() error = %v", err)
	}
	if !BranchExists(ctx, repo, "amp/feature/1") {
		t.Error("branch not created")
	}
	if err := WorktreeAdd(ctx, repo, filepath.Join(repo, ".worktrees", "wt2"), "amp/feature/1", "main"); err == nil {
		t.Error("WorktreeAdd() with existing branch succeeded")
	}

	wts, err := ListWorktrees(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(wts) != 2 {
		t.Fatalf("ListWorktrees() = %d entries, want 2", len(wts))
	}
	if wts[1].Path != path || wts[1].Branch != "amp/feature/1" || wts[1].Head == "" {
		t.Errorf("worktree entry = %+v", wts[1])
	}

	writeFile(t, path, "new.txt", "hello\n")
	dirty, err := IsDirty(ctx, path)
	if err != nil || !dirty {
		t.Fatalf("IsDirty() = %v, %v", dirty, err)
	}
	if err := WorktreeRemove(ctx, repo, path, false); err == nil {
		t.Error("WorktreeRemove() of dirty worktree without force succeeded")
	}
	if err := WorktreeRemove(ctx, repo, path, true); err != nil {
		t.Fatalf("WorktreeRemove(force) error = %v", err)
	}
	if err := DeleteBranch(ctx, repo, "amp/feature/1"); err != nil {
		t.Fatal(err)
	}
	if BranchExists(ctx, repo, "amp/feature/1") {
		t.Error("branch still exists")
	}
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\n" +
		"worktree /repo/.worktrees/x\nHEAD def\ndetached\n\n" +
		"worktree /repo/.worktrees/y\nHEAD 123\nbranch refs/heads/amp/y/1\nprunable gitdir file points to non-existent location\n"

	wts, err := parseWorktreeList(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(wts) != 3 {
		t.Fatalf("got %d entries, want 3", len(wts))
	}
	if !wts[1].Detached || wts[1].Branch != "" {
		t.Errorf("detached entry = %+v", wts[1])
	}
	if !wts[2].Prunable || wts[2].Branch != "amp/y/1" {
		t.Errorf("prunable entry = %+v", wts[2])
	}
}

func TestDiffIsReadOnly(t *testing.T) {
	ctx := context.Background()
	repo := createTempGitRepo(t)
	path := filepath.Join(repo, ".worktrees", "wt")
	if err := WorktreeAdd(ctx, repo, path, "amp/diff/1", "main"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "README.md", "# Changed\n")
	writeFile(t, path, "added.txt", "brand new\n")

	before, _ := Status(ctx, path)
	diff, err := Diff(ctx, path, "main")
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	after, _ := Status(ctx, path)

	if !strings.Contains(diff, "+# Changed") || !strings.Contains(diff, "+brand new") {
		t.Errorf("Diff() missing changes:\n%s", diff)
	}
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Errorf("Diff() changed status: %v -> %v", before, after)
	}
}

func TestCommitAndSquash(t *testing.T) {
	ctx := context.Background()
	repo := createTempGitRepo(t)

	if sha, err := Commit(ctx, repo, "empty"); err != nil || sha != "" {
		t.Fatalf("Commit() with nothing staged = %q, %v", sha, err)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		writeFile(t, repo, name, name)
		if err := AddAll(ctx, repo); err != nil {
			t.Fatal(err)
		}
		sha, err := Commit(ctx, repo, "add "+name)
		if err != nil || sha == "" {
			t.Fatalf("Commit() = %q, %v", sha, err)
		}
	}

	n, err := CommitCount(ctx, repo, "HEAD~2")
	if err != nil || n != 2 {
		t.Fatalf("CommitCount() = %d, %v", n, err)
	}

	if err := ResetSoft(ctx, repo, "HEAD~2"); err != nil {
		t.Fatal(err)
	}
	staged, _ := StagedFiles(ctx, repo)
	if len(staged) != 2 {
		t.Errorf("StagedFiles() after soft reset = %v", staged)
	}
}

func TestRebaseConflictAndAbort(t *testing.T) {
	ctx := context.Background()
	repo := createTempGitRepo(t)
	path := filepath.Join(repo, ".worktrees", "wt")
	if err := WorktreeAdd(ctx, repo, path, "amp/rebase/1", "main"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "README.md", "branch side\n")
	gitCmd(t, path, "commit", "-am", "branch change")
	writeFile(t, repo, "README.md", "main side\n")
	gitCmd(t, repo, "commit", "-am", "main change")

	conflicts, err := Rebase(ctx, path, "main")
	if err != nil {
		t.Fatalf("Rebase() error = %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "README.md" {
		t.Fatalf("Rebase() conflicts = %v", conflicts)
	}

	op, err := InProgress(ctx, path)
	if err != nil || op != OpRebase {
		t.Fatalf("InProgress() = %q, %v", op, err)
	}

	if err := Abort(ctx, path, op); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	op, _ = InProgress(ctx, path)
	if op != OpNone {
		t.Errorf("InProgress() after abort = %q", op)
	}
}

func TestFastForward(t *testing.T) {
	ctx := context.Background()
	repo := createTempGitRepo(t)
	path := filepath.Join(repo, ".worktrees", "wt")
	if err := WorktreeAdd(ctx, repo, path, "amp/ff/1", "main"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "feature.txt", "done\n")
	gitCmd(t, path, "add", ".")
	gitCmd(t, path, "commit", "-m", "feature")

	if err := FastForward(ctx, repo, "main", "amp/ff/1"); err != nil {
		t.Fatalf("FastForward() error = %v", err)
	}
	if gitCmd(t, repo, "rev-parse", "main") != gitCmd(t, path, "rev-parse", "HEAD") {
		t.Error("main was not advanced")
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Error("checkout of main not updated")
	}
}

func TestEnsureExcluded(t *testing.T) {
	ctx := context.Background()
	repo := createTempGitRepo(t)

	for i := 0; i < 2; i++ {
		if err := EnsureExcluded(ctx, repo, ".worktrees/"); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(filepath.Join(repo, ".git", "info", "exclude"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), ".worktrees/") != 1 {
		t.Errorf("exclude file = %q", data)
	}
}
