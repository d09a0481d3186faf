package models

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusAborted  RunStatus = "aborted"
)

type ItemStatus string

const (
	ItemStatusQueued  ItemStatus = "queued"
	ItemStatusRunning ItemStatus = "running"
	ItemStatusSuccess ItemStatus = "success"
	ItemStatusFail    ItemStatus = "fail"
	ItemStatusTimeout ItemStatus = "timeout"
	ItemStatusError   ItemStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusSuccess, ItemStatusFail, ItemStatusTimeout, ItemStatusError:
		return true
	}
	return false
}

// BatchDefaults apply to every item of a run unless the item overrides them.
type BatchDefaults struct {
	BaseBranch    string `json:"base_branch,omitempty" yaml:"base_branch"`
	Model         string `json:"model,omitempty" yaml:"model"`
	ScriptCommand string `json:"script_command,omitempty" yaml:"script_command"`
	AutoCommit    bool   `json:"auto_commit" yaml:"auto_commit"`
	NamePrefix    string `json:"name_prefix,omitempty" yaml:"name_prefix"`
}

type BatchRun struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      RunStatus     `json:"status"`
	Concurrency int           `json:"concurrency"`
	Timeout     time.Duration `json:"timeout_ns"`
	Defaults    BatchDefaults `json:"defaults"`
}

type BatchItem struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	SessionID   string     `json:"session_id"`
	Repo        string     `json:"repo"`
	Prompt      string     `json:"prompt"`
	Status      ItemStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Model       string     `json:"model"`
	TokensTotal int        `json:"tokens_total"`
}

// BatchSummary is derived from item states; it is never stored.
type BatchSummary struct {
	RunID       string             `json:"run_id"`
	Status      RunStatus          `json:"status"`
	Total       int                `json:"total"`
	Counts      map[ItemStatus]int `json:"counts"`
	TokensTotal int                `json:"tokens_total"`
}

func SummarizeBatch(run *BatchRun, items []*BatchItem) BatchSummary {
	sum := BatchSummary{
		RunID:  run.ID,
		Status: run.Status,
		Total:  len(items),
		Counts: make(map[ItemStatus]int),
	}
	for _, item := range items {
		sum.Counts[item.Status]++
		sum.TokensTotal += item.TokensTotal
	}
	return sum
}

// Done reports whether every item reached a terminal status.
func (s BatchSummary) Done() bool {
	return s.Counts[ItemStatusQueued] == 0 && s.Counts[ItemStatusRunning] == 0
}
