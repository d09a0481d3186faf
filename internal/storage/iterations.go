package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mpataki/ampwork/internal/models"
)

func (s *Storage) CreateIteration(ctx context.Context, it *models.Iteration) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (session_id, start_time, notes, log_path, model)
		 VALUES (?, ?, ?, ?, ?)`,
		it.SessionID, it.StartTime, nullString(it.Notes), nullString(it.LogPath), nullString(it.Model),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	it.ID = id
	return id, nil
}

// FinalizeIteration writes the outcome of a finished iteration.
func (s *Storage) FinalizeIteration(ctx context.Context, it *models.Iteration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE iterations SET end_time = ?, commit_sha = ?, changed_files = ?, prompt_tokens = ?,
			completion_tokens = ?, total_tokens = ?, model = ?, exit_code = ?, output = ?
		 WHERE id = ?`,
		it.EndTime, nullString(it.CommitSHA), it.ChangedFiles, it.PromptTokens,
		it.CompletionTokens, it.TotalTokens, nullString(it.Model), it.ExitCode, nullString(it.Output),
		it.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

const iterationColumns = `id, session_id, start_time, end_time, commit_sha, changed_files, prompt_tokens,
	completion_tokens, total_tokens, model, exit_code, output, notes, log_path`

func scanIteration(row scanner) (*models.Iteration, error) {
	var it models.Iteration
	var endTime sql.NullTime
	var commitSHA, model, output, notes, logPath sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(
		&it.ID, &it.SessionID, &it.StartTime, &endTime, &commitSHA, &it.ChangedFiles, &it.PromptTokens,
		&it.CompletionTokens, &it.TotalTokens, &model, &exitCode, &output, &notes, &logPath,
	)
	if err != nil {
		return nil, err
	}

	it.EndTime = timePtr(endTime)
	it.CommitSHA = commitSHA.String
	it.Model = model.String
	it.Output = output.String
	it.Notes = notes.String
	it.LogPath = logPath.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		it.ExitCode = &code
	}
	return &it, nil
}

func (s *Storage) GetIteration(ctx context.Context, id int64) (*models.Iteration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE id = ?`, id)
	it, err := scanIteration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// ListIterations returns a session's iterations oldest first.
func (s *Storage) ListIterations(ctx context.Context, sessionID string) ([]*models.Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+iterationColumns+` FROM iterations WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var its []*models.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	return its, rows.Err()
}

// RecordToolCalls appends calls in one transaction. Tool calls are never
// updated after insert.
func (s *Storage) RecordToolCalls(ctx context.Context, calls []*models.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO tool_calls (session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range calls {
			var iterationID sql.NullInt64
			if c.IterationID != 0 {
				iterationID = sql.NullInt64{Int64: c.IterationID, Valid: true}
			}
			res, err := stmt.ExecContext(ctx,
				c.SessionID, iterationID, c.Timestamp, c.ToolName, nullString(c.ArgsJSON),
				boolInt(c.Success), c.DurationMs,
			)
			if err != nil {
				return err
			}
			if c.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) ListToolCalls(ctx context.Context, sessionID string) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success, duration_ms
		 FROM tool_calls WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.ToolCall
	for rows.Next() {
		var c models.ToolCall
		var iterationID sql.NullInt64
		var args sql.NullString
		var success int
		if err := rows.Scan(&c.ID, &c.SessionID, &iterationID, &c.Timestamp, &c.ToolName, &args, &success, &c.DurationMs); err != nil {
			return nil, err
		}
		c.IterationID = iterationID.Int64
		c.ArgsJSON = args.String
		c.Success = success != 0
		calls = append(calls, &c)
	}
	return calls, rows.Err()
}
