package models

import "time"

// Iteration is one agent invocation within a session.
type Iteration struct {
	ID               int64      `json:"id"`
	SessionID        string     `json:"session_id"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	CommitSHA        string     `json:"commit_sha,omitempty"`
	ChangedFiles     int        `json:"changed_files"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	Model            string     `json:"model"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	Output           string     `json:"output,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	LogPath          string     `json:"log_path,omitempty"`
}

func (it *Iteration) Finished() bool {
	return it.EndTime != nil
}

func (it *Iteration) Succeeded() bool {
	return it.ExitCode != nil && *it.ExitCode == 0
}

type ToolCall struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	IterationID int64     `json:"iteration_id"`
	Timestamp   time.Time `json:"timestamp"`
	ToolName    string    `json:"tool_name"`
	ArgsJSON    string    `json:"args_json"`
	Success     bool      `json:"success"`
	DurationMs  int64     `json:"duration_ms"`
}
