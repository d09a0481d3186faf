package worktree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/agent"
	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/gitops"
	"github.com/mpataki/ampwork/internal/models"
)

type IterateOptions struct {
	// Notes are sent to the agent as the prompt and stored on the iteration.
	Notes string
}

// Iterate runs the agent once in the session's worktree. The returned
// iteration is finalized even when an error is returned; ctx errors mean
// the agent was killed.
func (m *Manager) Iterate(ctx context.Context, sessionID string, opts IterateOptions) (*models.Iteration, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := m.store.TryMarkSessionRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}

	// Bookkeeping after this point must survive a cancelled ctx.
	bg := context.WithoutCancel(ctx)
	log := m.logger.With(zap.String("session", sessionID))

	if err := m.agent.CheckAuthentication(ctx); err != nil {
		m.setStatus(bg, sessionID, sess.Status)
		return nil, err
	}

	it := &models.Iteration{
		SessionID: sessionID,
		StartTime: m.now(),
		Notes:     opts.Notes,
		Model:     sess.ModelOverride,
	}
	if _, err := m.store.CreateIteration(bg, it); err != nil {
		m.setStatus(bg, sessionID, models.SessionStatusError)
		return nil, fmt.Errorf("create iteration: %w", err)
	}

	exitCode, runErr := m.runAgent(ctx, sess, it)

	// A stopped rebase or cherry-pick owns the index until it is continued
	// or aborted, so nothing is staged or committed.
	op, err := gitops.InProgress(bg, sess.WorktreePath)
	if err != nil {
		log.Warn("check in-progress operation", zap.Error(err))
	}
	if op != gitops.OpNone {
		if lines, err := gitops.Status(bg, sess.WorktreePath); err == nil {
			it.ChangedFiles = len(lines)
		}
	} else if err := m.collectChanges(bg, sess, it, exitCode); err != nil {
		log.Warn("collect changes", zap.Int64("iteration", it.ID), zap.Error(err))
	}

	end := m.now()
	it.EndTime = &end
	it.ExitCode = &exitCode
	if err := m.store.FinalizeIteration(bg, it); err != nil {
		log.Error("finalize iteration", zap.Int64("iteration", it.ID), zap.Error(err))
	}

	status := models.SessionStatusIdle
	switch {
	case op != gitops.OpNone:
		status = models.SessionStatusAwaitingInput
	case exitCode != 0 || runErr != nil:
		status = models.SessionStatusError
	}
	m.setStatus(bg, sessionID, status)

	log.Info("iteration finished",
		zap.Int64("iteration", it.ID),
		zap.Int("exit_code", exitCode),
		zap.Int("changed_files", it.ChangedFiles),
		zap.String("commit", it.CommitSHA),
		zap.Error(runErr),
	)
	return it, runErr
}

// runAgent fills the iteration's output and telemetry and returns the exit
// code. A live interactive handle takes the notes as a follow-up message.
func (m *Manager) runAgent(ctx context.Context, sess *models.Session, it *models.Iteration) (int, error) {
	if h, ok := m.agent.Registry().BySession(sess.ID); ok {
		return m.runAttached(ctx, sess, h, it)
	}

	res, err := m.agent.Run(ctx, agent.RunRequest{
		SessionID:     sess.ID,
		IterationID:   it.ID,
		WorktreePath:  sess.WorktreePath,
		Prompt:        it.Notes,
		Model:         sess.ModelOverride,
		ScriptCommand: sess.ScriptCommand,
	})
	if res == nil {
		it.Output = errString(err)
		return -1, err
	}

	it.Output = res.Output
	it.LogPath = res.LogPath
	if parsed := res.Log; parsed != nil {
		it.PromptTokens = parsed.Usage.Input
		it.CompletionTokens = parsed.Usage.Output
		it.TotalTokens = parsed.Usage.Total
		if parsed.Model != "" {
			it.Model = parsed.Model
		}
		if parsed.ThreadID != "" && parsed.ThreadID != sess.ThreadID {
			if err := m.store.SetSessionThread(context.WithoutCancel(ctx), sess.ID, parsed.ThreadID); err != nil {
				m.logger.Warn("record thread id", zap.String("session", sess.ID), zap.Error(err))
			}
		}
	}
	return res.ExitCode, err
}

// runAttached sends the notes to the live handle and waits until the agent
// reports idle or exits.
func (m *Manager) runAttached(ctx context.Context, sess *models.Session, h *agent.Handle, it *models.Iteration) (int, error) {
	ch, unsub, err := m.agent.Subscribe(h.ID, 256)
	if err != nil {
		return -1, err
	}
	defer unsub()

	it.LogPath = h.LogPath
	if err := m.Send(ctx, sess.ID, it.Notes); err != nil {
		it.Output = err.Error()
		return -1, err
	}

	var out strings.Builder
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				it.Output = out.String()
				return h.ExitCode(), nil
			}
			switch p := ev.Payload.(type) {
			case events.StreamChunk:
				if p.Text != "" {
					out.WriteString(p.Text)
					out.WriteByte('\n')
				}
			case events.StateChange:
				switch p.State {
				case agent.StateIdle:
					it.Output = out.String()
					return 0, nil
				case agent.StateExited:
					it.Output = out.String()
					<-h.Done()
					return h.ExitCode(), nil
				}
			}
		case <-ctx.Done():
			it.Output = out.String()
			return -1, ctx.Err()
		}
	}
}

// collectChanges stages everything in the worktree and commits when the
// session auto-commits and the agent succeeded. Changes are never discarded.
func (m *Manager) collectChanges(ctx context.Context, sess *models.Session, it *models.Iteration, exitCode int) error {
	if err := gitops.AddAll(ctx, sess.WorktreePath); err != nil {
		return err
	}
	staged, err := gitops.StagedFiles(ctx, sess.WorktreePath)
	if err != nil {
		return err
	}
	it.ChangedFiles = len(staged)
	if len(staged) == 0 || !sess.AutoCommit || exitCode != 0 {
		return nil
	}
	sha, err := gitops.Commit(ctx, sess.WorktreePath, commitMessage(sess, it))
	if err != nil {
		return err
	}
	it.CommitSHA = sha
	return nil
}

func commitMessage(sess *models.Session, it *models.Iteration) string {
	subject, _, _ := strings.Cut(strings.TrimSpace(it.Notes), "\n")
	if subject == "" {
		subject = fmt.Sprintf("iteration %d", it.ID)
	}
	if utf8.RuneCountInString(subject) > 72 {
		subject = string([]rune(subject)[:69]) + "..."
	}
	return fmt.Sprintf("amp: %s\n\nSession: %s\nIteration: %d\n", subject, sess.Name, it.ID)
}

func (m *Manager) setStatus(ctx context.Context, id string, status models.SessionStatus) {
	if err := m.store.UpdateSessionStatus(ctx, id, status); err != nil {
		m.logger.Error("update session status",
			zap.String("session", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}
