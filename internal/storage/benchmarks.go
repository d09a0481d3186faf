package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mpataki/ampwork/internal/models"
)

func (s *Storage) CreateBenchmark(ctx context.Context, run *models.BenchmarkRun, cases []*models.CaseResult) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO benchmark_runs (id, suite, created_at, status, concurrency, timeout_ms) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, run.Suite, run.CreatedAt, run.Status, run.Concurrency, run.Timeout.Milliseconds(),
		)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO benchmark_results (run_id, case_id, repo, prompt, test_command, grader, status)
			 VALUES (?, ?, ?, ?, ?, ?, 'queued')`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range cases {
			res, err := stmt.ExecContext(ctx,
				run.ID, c.CaseID, c.Repo, c.Prompt, nullString(c.TestCommand), nullString(c.Grader))
			if err != nil {
				return err
			}
			if c.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			c.RunID = run.ID
			c.Status = models.CaseStatusQueued
		}
		return nil
	})
}

const benchmarkColumns = `id, suite, created_at, status, concurrency, timeout_ms`

func scanBenchmark(row scanner) (*models.BenchmarkRun, error) {
	var run models.BenchmarkRun
	var timeoutMs int64
	if err := row.Scan(&run.ID, &run.Suite, &run.CreatedAt, &run.Status, &run.Concurrency, &timeoutMs); err != nil {
		return nil, err
	}
	run.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &run, nil
}

func (s *Storage) GetBenchmark(ctx context.Context, runID string) (*models.BenchmarkRun, error) {
	run, err := scanBenchmark(s.db.QueryRowContext(ctx,
		`SELECT `+benchmarkColumns+` FROM benchmark_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListBenchmarks returns the most recent runs first, optionally only those
// of one suite.
func (s *Storage) ListBenchmarks(ctx context.Context, suite string, limit int) ([]*models.BenchmarkRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+benchmarkColumns+` FROM benchmark_runs
		 WHERE ? = '' OR suite = ?
		 ORDER BY created_at DESC LIMIT ?`, suite, suite, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.BenchmarkRun
	for rows.Next() {
		run, err := scanBenchmark(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Storage) SetBenchmarkStatus(ctx context.Context, runID string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE benchmark_runs SET status = ? WHERE id = ?`, status, runID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

const caseColumns = `id, run_id, case_id, session_id, repo, prompt, test_command, grader, status, error,
	started_at, finished_at, tokens_total, test_output`

func scanCase(row scanner) (*models.CaseResult, error) {
	var c models.CaseResult
	var sessionID, testCommand, grader, errMsg, testOutput sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.RunID, &c.CaseID, &sessionID, &c.Repo, &c.Prompt, &testCommand, &grader, &c.Status, &errMsg,
		&startedAt, &finishedAt, &c.TokensTotal, &testOutput,
	)
	if err != nil {
		return nil, err
	}
	c.SessionID = sessionID.String
	c.TestCommand = testCommand.String
	c.Grader = grader.String
	c.Error = errMsg.String
	c.TestOutput = testOutput.String
	c.StartedAt = timePtr(startedAt)
	c.FinishedAt = timePtr(finishedAt)
	return &c, nil
}

// ClaimNextCase is the benchmark counterpart of ClaimNextBatchItem.
func (s *Storage) ClaimNextCase(ctx context.Context, runID string) (*models.CaseResult, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE benchmark_results SET status = 'running', started_at = ?
		 WHERE id = (SELECT id FROM benchmark_results WHERE run_id = ? AND status = 'queued' ORDER BY id LIMIT 1)
		   AND status = 'queued'
		 RETURNING `+caseColumns,
		time.Now().UTC(), runID,
	)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *Storage) SetCaseSession(ctx context.Context, caseID int64, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE benchmark_results SET session_id = ? WHERE id = ?`, nullString(sessionID), caseID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Storage) FinishCase(ctx context.Context, c *models.CaseResult) (bool, error) {
	finished := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE benchmark_results SET status = ?, error = ?, finished_at = ?, tokens_total = ?, test_output = ?
		 WHERE id = ? AND status = 'running'`,
		c.Status, nullString(c.Error), finished, c.TokensTotal, nullString(c.TestOutput), c.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.FinishedAt = &finished
	}
	return n == 1, nil
}

func (s *Storage) ListCases(ctx context.Context, runID string) ([]*models.CaseResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM benchmark_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*models.CaseResult
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
