package worktree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/gitops"
	"github.com/mpataki/ampwork/internal/models"
)

// MergeResult reports the outcome of a history operation. Conflicts are a
// result, not an error: the operation stays in progress and the session
// waits in awaiting-input until ContinueMerge or AbortMerge.
type MergeResult struct {
	Operation gitops.Operation `json:"operation"`
	Conflicts []string         `json:"conflicts,omitempty"`
	HeadSHA   string           `json:"head_sha,omitempty"`
}

func (r *MergeResult) Clean() bool { return len(r.Conflicts) == 0 }

// loadQuiet returns the session if no agent is running in it.
func (m *Manager) loadQuiet(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	return sess, nil
}

// SquashCommits folds every commit since the base branch into one.
func (m *Manager) SquashCommits(ctx context.Context, id, message string) (*MergeResult, error) {
	sess, err := m.loadQuiet(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &MergeResult{Operation: gitops.OpNone}

	count, err := gitops.CommitCount(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		return nil, err
	}
	if count > 1 {
		base, err := gitops.MergeBase(ctx, sess.WorktreePath, sess.BaseBranch, "HEAD")
		if err != nil {
			return nil, err
		}
		if message == "" {
			message = "amp: " + sess.Name
		}
		if err := gitops.ResetSoft(ctx, sess.WorktreePath, base); err != nil {
			return nil, err
		}
		if _, err := gitops.Commit(ctx, sess.WorktreePath, message); err != nil {
			return nil, err
		}
		m.logger.Info("squashed commits", zap.String("session", id), zap.Int("commits", count))
	}
	res.HeadSHA, err = gitops.HeadSHA(ctx, sess.WorktreePath)
	return res, err
}

// Rebase replays the session branch onto upstream.
func (m *Manager) Rebase(ctx context.Context, id, upstream string) (*MergeResult, error) {
	sess, err := m.loadQuiet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !gitops.BranchExists(ctx, sess.RepoRoot, upstream) {
		if _, err := gitops.RevParse(ctx, sess.WorktreePath, upstream); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBaseBranchNotFound, upstream)
		}
	}
	conflicts, err := gitops.Rebase(ctx, sess.WorktreePath, upstream)
	return m.settle(ctx, sess, gitops.OpRebase, conflicts, err)
}

func (m *Manager) RebaseOntoBase(ctx context.Context, id string) (*MergeResult, error) {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Rebase(ctx, id, sess.BaseBranch)
}

func (m *Manager) CherryPick(ctx context.Context, id string, commits ...string) (*MergeResult, error) {
	sess, err := m.loadQuiet(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("cherry-pick: no commits given")
	}
	conflicts, err := gitops.CherryPick(ctx, sess.WorktreePath, commits...)
	return m.settle(ctx, sess, gitops.OpCherryPick, conflicts, err)
}

// ContinueMerge stages the resolved files and resumes the stopped operation.
func (m *Manager) ContinueMerge(ctx context.Context, id string) (*MergeResult, error) {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	op, err := gitops.InProgress(ctx, sess.WorktreePath)
	if err != nil {
		return nil, err
	}
	if op == gitops.OpNone {
		return nil, fmt.Errorf("%w: %s", ErrNoMergeInProgress, id)
	}
	conflicts, err := gitops.Continue(ctx, sess.WorktreePath, op)
	return m.settle(ctx, sess, op, conflicts, err)
}

func (m *Manager) AbortMerge(ctx context.Context, id string) error {
	sess, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	op, err := gitops.InProgress(ctx, sess.WorktreePath)
	if err != nil {
		return err
	}
	if op == gitops.OpNone {
		return fmt.Errorf("%w: %s", ErrNoMergeInProgress, id)
	}
	if err := gitops.Abort(ctx, sess.WorktreePath, op); err != nil {
		return err
	}
	m.setStatus(ctx, id, models.SessionStatusIdle)
	m.logger.Info("merge aborted", zap.String("session", id), zap.String("operation", string(op)))
	return nil
}

// FastForwardMerge advances the base branch to the session branch and marks
// the session done. The session branch must already contain the base.
func (m *Manager) FastForwardMerge(ctx context.Context, id string) (*MergeResult, error) {
	sess, err := m.loadQuiet(ctx, id)
	if err != nil {
		return nil, err
	}
	if op, err := gitops.InProgress(ctx, sess.WorktreePath); err != nil {
		return nil, err
	} else if op != gitops.OpNone {
		return nil, fmt.Errorf("%w: %s in progress", ErrSessionBusy, op)
	}

	mu := m.repoLock(sess.RepoRoot)
	mu.Lock()
	defer mu.Unlock()

	if err := gitops.FastForward(ctx, sess.RepoRoot, sess.BaseBranch, sess.BranchName); err != nil {
		return nil, fmt.Errorf("fast-forward %s to %s: %w", sess.BaseBranch, sess.BranchName, err)
	}
	m.setStatus(ctx, id, models.SessionStatusDone)

	head, err := gitops.RevParse(ctx, sess.RepoRoot, sess.BaseBranch)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fast-forwarded", zap.String("session", id), zap.String("base", sess.BaseBranch), zap.String("head", head))
	return &MergeResult{Operation: gitops.OpMerge, HeadSHA: head}, nil
}

// settle maps a stoppable operation's outcome onto the session status.
func (m *Manager) settle(ctx context.Context, sess *models.Session, op gitops.Operation, conflicts []string, err error) (*MergeResult, error) {
	if err != nil {
		return nil, err
	}
	res := &MergeResult{Operation: op, Conflicts: conflicts}
	if len(conflicts) > 0 {
		m.setStatus(ctx, sess.ID, models.SessionStatusAwaitingInput)
		m.logger.Info("operation stopped on conflicts",
			zap.String("session", sess.ID),
			zap.String("operation", string(op)),
			zap.Strings("conflicts", conflicts),
		)
		return res, nil
	}
	if sess.Status == models.SessionStatusAwaitingInput {
		m.setStatus(ctx, sess.ID, models.SessionStatusIdle)
	}
	res.HeadSHA, err = gitops.HeadSHA(ctx, sess.WorktreePath)
	return res, err
}
