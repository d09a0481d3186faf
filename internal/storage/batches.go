package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mpataki/ampwork/internal/models"
)

// CreateBatch inserts the run and all of its items as queued in a single
// transaction, filling in item ids.
func (s *Storage) CreateBatch(ctx context.Context, run *models.BatchRun, items []*models.BatchItem) error {
	defaults, err := json.Marshal(run.Defaults)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batches (run_id, created_at, defaults_json, status, concurrency, timeout_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, run.CreatedAt, string(defaults), run.Status, run.Concurrency, run.Timeout.Milliseconds(),
		)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO batch_items (run_id, repo, prompt, status, model) VALUES (?, ?, ?, 'queued', ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, item := range items {
			res, err := stmt.ExecContext(ctx, run.ID, item.Repo, item.Prompt, nullString(item.Model))
			if err != nil {
				return err
			}
			if item.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			item.RunID = run.ID
			item.Status = models.ItemStatusQueued
		}
		return nil
	})
}

func (s *Storage) GetBatch(ctx context.Context, runID string) (*models.BatchRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, created_at, defaults_json, status, concurrency, timeout_ms FROM batches WHERE run_id = ?`, runID)
	run, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func scanBatch(row scanner) (*models.BatchRun, error) {
	var run models.BatchRun
	var defaults sql.NullString
	var timeoutMs int64
	if err := row.Scan(&run.ID, &run.CreatedAt, &defaults, &run.Status, &run.Concurrency, &timeoutMs); err != nil {
		return nil, err
	}
	run.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if defaults.Valid && defaults.String != "" {
		if err := json.Unmarshal([]byte(defaults.String), &run.Defaults); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func (s *Storage) ListBatches(ctx context.Context, limit int) ([]*models.BatchRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, created_at, defaults_json, status, concurrency, timeout_ms FROM batches
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.BatchRun
	for rows.Next() {
		run, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Storage) SetBatchStatus(ctx context.Context, runID string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

const batchItemColumns = `id, run_id, session_id, repo, prompt, status, error, started_at, finished_at, model, tokens_total`

func scanBatchItem(row scanner) (*models.BatchItem, error) {
	var item models.BatchItem
	var sessionID, errMsg, model sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.RunID, &sessionID, &item.Repo, &item.Prompt, &item.Status, &errMsg,
		&startedAt, &finishedAt, &model, &item.TokensTotal,
	)
	if err != nil {
		return nil, err
	}
	item.SessionID = sessionID.String
	item.Error = errMsg.String
	item.Model = model.String
	item.StartedAt = timePtr(startedAt)
	item.FinishedAt = timePtr(finishedAt)
	return &item, nil
}

// ClaimNextBatchItem atomically moves the oldest queued item of the run to
// running and returns it. It returns nil when nothing is left to claim.
func (s *Storage) ClaimNextBatchItem(ctx context.Context, runID string) (*models.BatchItem, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE batch_items SET status = 'running', started_at = ?
		 WHERE id = (SELECT id FROM batch_items WHERE run_id = ? AND status = 'queued' ORDER BY id LIMIT 1)
		   AND status = 'queued'
		 RETURNING `+batchItemColumns,
		time.Now().UTC(), runID,
	)
	item, err := scanBatchItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *Storage) SetBatchItemSession(ctx context.Context, itemID int64, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET session_id = ? WHERE id = ?`, nullString(sessionID), itemID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// FinishBatchItem moves a running item to a terminal status. It reports
// false if the item was no longer running.
func (s *Storage) FinishBatchItem(ctx context.Context, item *models.BatchItem) (bool, error) {
	finished := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_items SET status = ?, error = ?, finished_at = ?, model = COALESCE(?, model), tokens_total = ?
		 WHERE id = ? AND status = 'running'`,
		item.Status, nullString(item.Error), finished, nullString(item.Model), item.TokensTotal, item.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		item.FinishedAt = &finished
	}
	return n == 1, nil
}

func (s *Storage) ListBatchItems(ctx context.Context, runID string) ([]*models.BatchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchItemColumns+` FROM batch_items WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.BatchItem
	for rows.Next() {
		item, err := scanBatchItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FailInterruptedItems marks batch items and benchmark cases that a previous
// process left running as error, and settles runs that have nothing left to
// do. It returns the number of items and cases changed.
func (s *Storage) FailInterruptedItems(ctx context.Context) (int, error) {
	const reason = "interrupted: process exited while running"
	var total int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, table := range []string{"batch_items", "benchmark_results"} {
			res, err := tx.ExecContext(ctx,
				`UPDATE `+table+` SET status = 'error', error = ?, finished_at = ? WHERE status = 'running'`,
				reason, now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = 'finished' WHERE status = 'running'
			 AND NOT EXISTS (SELECT 1 FROM batch_items i WHERE i.run_id = batches.run_id AND i.status IN ('queued', 'running'))`,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE benchmark_runs SET status = 'finished' WHERE status = 'running'
			 AND NOT EXISTS (SELECT 1 FROM benchmark_results r WHERE r.run_id = benchmark_runs.id AND r.status IN ('queued', 'running'))`)
		return err
	})
	return total, err
}
