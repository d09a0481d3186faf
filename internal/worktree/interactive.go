package worktree

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/agent"
	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/models"
)

// attachment ties a live agent handle to the thread recording its
// conversation.
type attachment struct {
	handle   *agent.Handle
	threadID string
	recorded chan struct{}
}

// StartInteractive attaches a long-lived agent to the session. Calling it
// while a handle is already attached returns that handle.
func (m *Manager) StartInteractive(ctx context.Context, sessionID string) (*agent.Handle, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	if a, ok := m.attached[sessionID]; ok {
		return a.handle, nil
	}

	now := m.now()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      fmt.Sprintf("%s %s", sess.Name, now.Format("2006-01-02 15:04")),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    models.ThreadStatusActive,
	}
	if err := m.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	h, err := m.agent.StartInteractive(ctx, agent.InteractiveOptions{
		SessionID:     sessionID,
		WorktreePath:  sess.WorktreePath,
		Model:         sess.ModelOverride,
		ThreadID:      sess.ThreadID,
		AutoCommit:    sess.AutoCommit,
		ScriptCommand: sess.ScriptCommand,
	})
	if err != nil {
		m.store.SetThreadStatus(context.WithoutCancel(ctx), thread.ID, models.ThreadStatusClosed)
		return nil, err
	}
	ch, unsub, err := m.agent.Subscribe(h.ID, 256)
	if err != nil {
		// Exited before we could listen.
		m.store.SetThreadStatus(context.WithoutCancel(ctx), thread.ID, models.ThreadStatusClosed)
		return nil, err
	}
	if err := m.store.SetSessionMode(ctx, sessionID, models.SessionModeInteractive); err != nil {
		m.logger.Warn("set session mode", zap.String("session", sessionID), zap.Error(err))
	}

	a := &attachment{handle: h, threadID: thread.ID, recorded: make(chan struct{})}
	m.attached[sessionID] = a
	go m.record(sessionID, a, ch, unsub)

	m.logger.Info("interactive attached",
		zap.String("session", sessionID),
		zap.String("handle", h.ID),
		zap.String("thread", thread.ID),
	)
	return h, nil
}

// record persists assistant messages until the handle exits.
func (m *Manager) record(sessionID string, a *attachment, ch <-chan events.Event, unsub func()) {
	defer close(a.recorded)
	defer unsub()

	ctx := context.Background()
	for ev := range ch {
		chunk, ok := ev.Payload.(events.StreamChunk)
		if !ok || chunk.Role != string(models.RoleAssistant) || chunk.Text == "" {
			continue
		}
		msg := &models.ThreadMessage{ThreadID: a.threadID, Role: models.RoleAssistant, Content: chunk.Text}
		if err := m.store.AppendMessage(ctx, msg); err != nil {
			m.logger.Warn("record assistant message", zap.String("thread", a.threadID), zap.Error(err))
		}
	}

	if err := m.store.SetThreadStatus(ctx, a.threadID, models.ThreadStatusClosed); err != nil {
		m.logger.Warn("close thread", zap.String("thread", a.threadID), zap.Error(err))
	}
	m.attachMu.Lock()
	if m.attached[sessionID] == a {
		delete(m.attached, sessionID)
	}
	m.attachMu.Unlock()
}

// Send records message on the session's thread and forwards it to the agent.
func (m *Manager) Send(ctx context.Context, sessionID, message string) error {
	m.attachMu.Lock()
	a, ok := m.attached[sessionID]
	m.attachMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", agent.ErrHandleNotFound, sessionID)
	}

	msg := &models.ThreadMessage{ThreadID: a.threadID, Role: models.RoleUser, Content: message}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return m.agent.Send(a.handle.ID, message)
}

// StopInteractive stops the attached agent and waits for its conversation to
// be flushed. It is a no-op when nothing is attached.
func (m *Manager) StopInteractive(ctx context.Context, sessionID string) error {
	m.attachMu.Lock()
	a, ok := m.attached[sessionID]
	m.attachMu.Unlock()
	if !ok {
		return nil
	}

	if err := m.agent.Stop(a.handle.ID); err != nil {
		return err
	}
	select {
	case <-a.recorded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := m.store.SetSessionMode(context.WithoutCancel(ctx), sessionID, models.SessionModeAsync); err != nil {
		m.logger.Warn("set session mode", zap.String("session", sessionID), zap.Error(err))
	}
	m.logger.Info("interactive detached", zap.String("session", sessionID), zap.Int("exit_code", a.handle.ExitCode()))
	return nil
}

// ThreadFor returns the id of the thread recording the attached agent.
func (m *Manager) ThreadFor(sessionID string) (string, bool) {
	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	a, ok := m.attached[sessionID]
	if !ok {
		return "", false
	}
	return a.threadID, true
}

// StopAllInteractive detaches every session. Used on shutdown so threads are
// closed before the store goes away.
func (m *Manager) StopAllInteractive(ctx context.Context) error {
	m.attachMu.Lock()
	ids := make([]string, 0, len(m.attached))
	for id := range m.attached {
		ids = append(ids, id)
	}
	m.attachMu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopInteractive(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
