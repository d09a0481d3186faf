// Package worktree owns the session lifecycle: every session is a branch
// plus a git worktree under <repo>/.worktrees, backed by one sessions row.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/agent"
	"github.com/mpataki/ampwork/internal/gitops"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/storage"
)

// DefaultWorktreeDir is the directory under the repository root holding
// session worktrees.
const DefaultWorktreeDir = ".worktrees"

// BranchPrefix starts every session branch name.
const BranchPrefix = "amp/"

var (
	ErrRepoInvalid          = errors.New("not a git repository")
	ErrBaseBranchNotFound   = errors.New("base branch not found")
	ErrBranchExists         = errors.New("branch already exists")
	ErrWorktreeCreateFailed = errors.New("worktree creation failed")
	ErrSessionBusy          = errors.New("session is busy")
	ErrDirtyWorktree        = errors.New("worktree has uncommitted changes")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNoMergeInProgress    = errors.New("no merge in progress")
)

type Manager struct {
	store  *storage.Storage
	agent  *agent.Adapter
	logger *zap.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	attachMu sync.Mutex
	attached map[string]*attachment
}

func NewManager(store *storage.Storage, adapter *agent.Adapter, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		agent:    adapter,
		logger:   logging.OrNop(logger).Named("worktree"),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
		attached: make(map[string]*attachment),
	}
}

// repoLock serializes branch and worktree mutation within one repository.
func (m *Manager) repoLock(repoRoot string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[repoRoot]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[repoRoot] = mu
	}
	return mu
}

type CreateOptions struct {
	RepoRoot      string
	Name          string
	BaseBranch    string
	Mode          models.SessionMode
	ScriptCommand string
	ModelOverride string
	AutoCommit    bool
}

// CreateSession creates the branch, the worktree and the row. Anything
// created before a failure is removed again before returning. A failure
// while ctx is done also matches ctx's error.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	sess, err := m.createSession(ctx, opts)
	if err != nil {
		return nil, withContextErr(ctx, err)
	}
	return sess, nil
}

func withContextErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %w", err, cerr)
	}
	return err
}

func (m *Manager) createSession(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	repoRoot, err := resolveRepo(ctx, opts.RepoRoot)
	if err != nil {
		return nil, err
	}

	mu := m.repoLock(repoRoot)
	mu.Lock()
	defer mu.Unlock()

	base := opts.BaseBranch
	if base == "" {
		if base, err = gitops.CurrentBranch(ctx, repoRoot); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRepoInvalid, err)
		}
		if base == "" {
			return nil, fmt.Errorf("%w: HEAD is detached and no base branch was given", ErrBaseBranchNotFound)
		}
	}
	if !gitops.BranchExists(ctx, repoRoot, base) {
		return nil, fmt.Errorf("%w: %s", ErrBaseBranchNotFound, base)
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "session"
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.SessionModeAsync
	}

	now := m.now()
	id := uuid.NewString()
	branch, err := m.freeBranchName(ctx, repoRoot, name, now)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(repoRoot, DefaultWorktreeDir, id)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", ErrWorktreeCreateFailed, path)
	}

	if err := gitops.EnsureExcluded(ctx, repoRoot, DefaultWorktreeDir+"/"); err != nil {
		m.logger.Warn("exclude worktree dir", zap.String("repo", repoRoot), zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorktreeCreateFailed, err)
	}

	if err := gitops.WorktreeAdd(ctx, repoRoot, path, branch, base); err != nil {
		m.rollback(repoRoot, path, branch)
		return nil, fmt.Errorf("%w: %w", ErrWorktreeCreateFailed, err)
	}

	sess := &models.Session{
		ID:            id,
		Name:          name,
		RepoRoot:      repoRoot,
		BaseBranch:    base,
		BranchName:    branch,
		WorktreePath:  path,
		Status:        models.SessionStatusIdle,
		Mode:          mode,
		ScriptCommand: opts.ScriptCommand,
		ModelOverride: opts.ModelOverride,
		AutoCommit:    opts.AutoCommit,
		CreatedAt:     now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.rollback(repoRoot, path, branch)
		return nil, fmt.Errorf("insert session: %w", err)
	}

	m.logger.Info("session created",
		zap.String("session", id),
		zap.String("repo", repoRoot),
		zap.String("branch", branch),
	)
	return sess, nil
}

func resolveRepo(ctx context.Context, repoRoot string) (string, error) {
	if repoRoot == "" {
		return "", fmt.Errorf("%w: empty path", ErrRepoInvalid)
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRepoInvalid, err)
	}
	top, err := gitops.TopLevel(ctx, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRepoInvalid, abs)
	}
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}
	return top, nil
}

// freeBranchName derives amp/<slug>/<unix-millis>, moving the timestamp
// forward while the name is taken.
func (m *Manager) freeBranchName(ctx context.Context, repoRoot, name string, now time.Time) (string, error) {
	slug := Slugify(name)
	ts := now.UnixMilli()
	for i := 0; i < 100; i++ {
		branch := fmt.Sprintf("%s%s/%d", BranchPrefix, slug, ts+int64(i))
		if !gitops.BranchExists(ctx, repoRoot, branch) {
			return branch, nil
		}
	}
	return "", fmt.Errorf("%w: %s%s/%d", ErrBranchExists, BranchPrefix, slug, ts)
}

// rollback removes a partially created worktree and branch. It runs on a
// fresh context so a cancelled request still cleans up.
func (m *Manager) rollback(repoRoot, path, branch string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := os.Stat(path); err == nil {
		if err := gitops.WorktreeRemove(ctx, repoRoot, path, true); err != nil {
			os.RemoveAll(path)
			gitops.WorktreePrune(ctx, repoRoot)
		}
	}
	if gitops.BranchExists(ctx, repoRoot, branch) {
		if err := gitops.DeleteBranch(ctx, repoRoot, branch); err != nil {
			m.logger.Warn("rollback branch", zap.String("branch", branch), zap.Error(err))
		}
	}
}

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.TrimSuffix(slug[:40], "-")
	}
	if slug == "" {
		slug = "session"
	}
	return slug
}

func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

func (m *Manager) ListSessions(ctx context.Context, repoRoot string) ([]*models.Session, error) {
	if repoRoot != "" {
		if resolved, err := resolveRepo(ctx, repoRoot); err == nil {
			repoRoot = resolved
		}
	}
	return m.store.ListSessions(ctx, repoRoot)
}

// GetDiff returns the worktree's changes against the base branch. It never
// modifies the worktree or the index.
func (m *Manager) GetDiff(ctx context.Context, id string) (string, error) {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return gitops.Diff(ctx, sess.WorktreePath, sess.BaseBranch)
}

// Cleanup removes the worktree, the branch and the row. A dirty worktree is
// refused unless force is set. Cleaning up a session that no longer exists
// succeeds.
func (m *Manager) Cleanup(ctx context.Context, id string, force bool) (err error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !force {
		// Hold the session as running so no iteration starts while the
		// worktree is removed.
		if sess.Status == models.SessionStatusRunning {
			return fmt.Errorf("%w: %s", ErrSessionBusy, id)
		}
		claimed, swapErr := m.store.SwapSessionStatus(ctx, id, sess.Status, models.SessionStatusRunning)
		if swapErr != nil {
			return swapErr
		}
		if !claimed {
			return fmt.Errorf("%w: %s", ErrSessionBusy, id)
		}
		defer func() {
			if err != nil {
				m.setStatus(context.WithoutCancel(ctx), id, sess.Status)
			}
		}()
	}

	if err := m.StopInteractive(ctx, id); err != nil {
		m.logger.Warn("stop interactive before cleanup", zap.String("session", id), zap.Error(err))
	}

	mu := m.repoLock(sess.RepoRoot)
	mu.Lock()
	defer mu.Unlock()

	if _, statErr := os.Stat(sess.WorktreePath); statErr == nil {
		if !force {
			dirty, err := gitops.IsDirty(ctx, sess.WorktreePath)
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("%w: %s", ErrDirtyWorktree, sess.WorktreePath)
			}
		}
		if err := gitops.WorktreeRemove(ctx, sess.RepoRoot, sess.WorktreePath, true); err != nil {
			m.logger.Warn("git worktree remove failed, deleting directory",
				zap.String("path", sess.WorktreePath), zap.Error(err))
			if err := os.RemoveAll(sess.WorktreePath); err != nil {
				return fmt.Errorf("remove worktree: %w", err)
			}
		}
	}
	if _, err := os.Stat(sess.RepoRoot); err == nil {
		gitops.WorktreePrune(ctx, sess.RepoRoot)
		if gitops.BranchExists(ctx, sess.RepoRoot, sess.BranchName) {
			if err := gitops.DeleteBranch(ctx, sess.RepoRoot, sess.BranchName); err != nil {
				return fmt.Errorf("delete branch: %w", err)
			}
		}
	}

	if _, err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	m.logger.Info("session cleaned up", zap.String("session", id), zap.Bool("force", force))
	return nil
}

type PruneReport struct {
	RepoRoot        string   `json:"repo_root"`
	DryRun          bool     `json:"dry_run"`
	OrphanWorktrees []string `json:"orphan_worktrees"`
	OrphanSessions  []string `json:"orphan_sessions"`
}

// PruneOrphans reconciles .worktrees against the sessions table: worktrees
// without a row are removed, and rows whose worktree is gone are deleted.
// With dryRun nothing is changed.
func (m *Manager) PruneOrphans(ctx context.Context, repoRoot string, dryRun bool) (*PruneReport, error) {
	root, err := resolveRepo(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	report := &PruneReport{RepoRoot: root, DryRun: dryRun}

	mu := m.repoLock(root)
	mu.Lock()
	defer mu.Unlock()

	sessions, err := m.store.ListSessions(ctx, root)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[filepath.Clean(s.WorktreePath)] = true
	}

	wtDir := filepath.Join(root, DefaultWorktreeDir)
	registered, err := gitops.ListWorktrees(ctx, root)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, wt := range registered {
		path := filepath.Clean(wt.Path)
		if filepath.Dir(path) != wtDir {
			continue
		}
		seen[path] = true
		if known[path] {
			continue
		}
		report.OrphanWorktrees = append(report.OrphanWorktrees, path)
		if dryRun {
			continue
		}
		if err := gitops.WorktreeRemove(ctx, root, path, true); err != nil {
			m.logger.Warn("remove orphan worktree", zap.String("path", path), zap.Error(err))
			os.RemoveAll(path)
		}
		if strings.HasPrefix(wt.Branch, BranchPrefix) && gitops.BranchExists(ctx, root, wt.Branch) {
			gitops.DeleteBranch(ctx, root, wt.Branch)
		}
	}

	// Directories git no longer tracks, left behind by an interrupted removal.
	entries, _ := os.ReadDir(wtDir)
	for _, e := range entries {
		path := filepath.Join(wtDir, e.Name())
		if !e.IsDir() || seen[path] || known[path] {
			continue
		}
		report.OrphanWorktrees = append(report.OrphanWorktrees, path)
		if !dryRun {
			os.RemoveAll(path)
		}
	}

	// Forget missing worktrees so their branches can be deleted.
	if !dryRun {
		gitops.WorktreePrune(ctx, root)
	}

	for _, s := range sessions {
		if _, err := os.Stat(s.WorktreePath); err == nil {
			continue
		}
		report.OrphanSessions = append(report.OrphanSessions, s.ID)
		if dryRun {
			continue
		}
		if gitops.BranchExists(ctx, root, s.BranchName) {
			gitops.DeleteBranch(ctx, root, s.BranchName)
		}
		if _, err := m.store.DeleteSession(ctx, s.ID); err != nil {
			return report, fmt.Errorf("delete orphan session %s: %w", s.ID, err)
		}
	}

	m.logger.Info("prune complete",
		zap.String("repo", root),
		zap.Bool("dry_run", dryRun),
		zap.Int("orphan_worktrees", len(report.OrphanWorktrees)),
		zap.Int("orphan_sessions", len(report.OrphanSessions)),
	)
	return report, nil
}
