package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mpataki/ampwork/internal/models"
)

func (s *Storage) CreateThread(ctx context.Context, t *models.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, session_id, name, created_at, updated_at, status) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Name, t.CreatedAt, t.UpdatedAt, t.Status,
	)
	return err
}

func scanThread(row scanner) (*models.Thread, error) {
	var t models.Thread
	if err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.CreatedAt, &t.UpdatedAt, &t.Status); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Storage) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, name, created_at, updated_at, status FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Storage) ListThreads(ctx context.Context, sessionID string) ([]*models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, created_at, updated_at, status FROM threads
		 WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *Storage) SetThreadStatus(ctx context.Context, id string, status models.ThreadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// AppendMessage stores msg at the next index of its thread and sets msg.Idx.
func (s *Storage) AppendMessage(ctx context.Context, msg *models.ThreadMessage) error {
	return s.AppendMessages(ctx, []*models.ThreadMessage{msg})
}

// AppendMessages stores msgs in order at the end of their threads. The next
// index is read inside the same transaction as the insert, so concurrent
// appenders never produce duplicates or gaps.
func (s *Storage) AppendMessages(ctx context.Context, msgs []*models.ThreadMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		touched := make(map[string]time.Time)
		for _, m := range msgs {
			var next int
			err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(idx) + 1, 0) FROM thread_messages WHERE thread_id = ?`, m.ThreadID,
			).Scan(&next)
			if err != nil {
				return err
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now().UTC()
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO thread_messages (thread_id, role, content, created_at, idx) VALUES (?, ?, ?, ?, ?)`,
				m.ThreadID, m.Role, m.Content, m.CreatedAt, next,
			)
			if err != nil {
				return err
			}
			if m.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			m.Idx = next
			touched[m.ThreadID] = m.CreatedAt
		}
		for id, at := range touched {
			if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, at, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) ListMessages(ctx context.Context, threadID string) ([]*models.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, created_at, idx FROM thread_messages
		 WHERE thread_id = ? ORDER BY idx`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt, &m.Idx); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
