package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mpataki/ampwork/internal/models"
)

const sessionColumns = `id, name, repo_root, base_branch, branch_name, worktree_path, status, mode,
	script_command, model_override, thread_id, auto_commit, created_at, last_run`

func (s *Storage) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, repo_root, base_branch, branch_name, worktree_path, status, mode,
			script_command, model_override, thread_id, auto_commit, created_at, last_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.RepoRoot, sess.BaseBranch, sess.BranchName, sess.WorktreePath,
		sess.Status, sess.Mode, nullString(sess.ScriptCommand), nullString(sess.ModelOverride),
		nullString(sess.ThreadID), boolInt(sess.AutoCommit), sess.CreatedAt, sess.LastRun,
	)
	return err
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var scriptCommand, modelOverride, threadID sql.NullString
	var autoCommit int
	var lastRun sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.Name, &sess.RepoRoot, &sess.BaseBranch, &sess.BranchName, &sess.WorktreePath,
		&sess.Status, &sess.Mode, &scriptCommand, &modelOverride, &threadID, &autoCommit,
		&sess.CreatedAt, &lastRun,
	)
	if err != nil {
		return nil, err
	}

	sess.ScriptCommand = scriptCommand.String
	sess.ModelOverride = modelOverride.String
	sess.ThreadID = threadID.String
	sess.AutoCommit = autoCommit != 0
	sess.LastRun = timePtr(lastRun)
	return &sess, nil
}

func (s *Storage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions newest first. An empty repoRoot lists all.
func (s *Storage) ListSessions(ctx context.Context, repoRoot string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if repoRoot != "" {
		query += ` WHERE repo_root = ?`
		args = append(args, repoRoot)
	}
	query += ` ORDER BY created_at DESC, id`
	return s.querySessions(ctx, query, args...)
}

func (s *Storage) querySessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Storage) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// TryMarkSessionRunning flips a session to running unless it already is.
// It reports false when another caller won the race.
func (s *Storage) TryMarkSessionRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'running', last_run = ? WHERE id = ? AND status != 'running'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SwapSessionStatus sets status to `to` only while it is still `from`. It
// reports false when the status changed underneath the caller.
func (s *Storage) SwapSessionStatus(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Storage) SetSessionThread(ctx context.Context, id, threadID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET thread_id = ? WHERE id = ?`, nullString(threadID), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Storage) SetSessionMode(ctx context.Context, id string, mode models.SessionMode) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET mode = ? WHERE id = ?`, mode, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteSession removes the session and everything it owns. It reports
// whether a row existed.
func (s *Storage) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM thread_messages WHERE thread_id IN (SELECT id FROM threads WHERE session_id = ?)`,
			`DELETE FROM threads WHERE session_id = ?`,
			`DELETE FROM tool_calls WHERE session_id = ?`,
			`DELETE FROM iterations WHERE session_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// GetHangingSessions returns sessions left running by a process that is gone.
func (s *Storage) GetHangingSessions(ctx context.Context) ([]*models.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'running' ORDER BY created_at, id`)
}

// RepairHangingSessions resets every running session to idle and returns how
// many were reset. Only safe before any iteration has started in this process.
func (s *Storage) RepairHangingSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = 'idle' WHERE status = 'running'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DistinctRepoRoots lists every repository referenced by a session, batch
// item or benchmark case.
func (s *Storage) DistinctRepoRoots(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_root FROM sessions
		UNION SELECT repo FROM batch_items
		UNION SELECT repo FROM benchmark_results
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, err
		}
		if root != "" {
			roots = append(roots, root)
		}
	}
	return roots, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
