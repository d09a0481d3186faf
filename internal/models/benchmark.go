package models

import "time"

type CaseStatus string

const (
	CaseStatusQueued  CaseStatus = "queued"
	CaseStatusRunning CaseStatus = "running"
	CaseStatusPass    CaseStatus = "pass"
	CaseStatusFail    CaseStatus = "fail"
	CaseStatusTimeout CaseStatus = "timeout"
	CaseStatusError   CaseStatus = "error"
)

func (s CaseStatus) Terminal() bool {
	switch s {
	case CaseStatusPass, CaseStatusFail, CaseStatusTimeout, CaseStatusError:
		return true
	}
	return false
}

type BenchmarkRun struct {
	ID          string        `json:"id"`
	Suite       string        `json:"suite"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      RunStatus     `json:"status"`
	Concurrency int           `json:"concurrency"`
	Timeout     time.Duration `json:"timeout_ns"`
}

// CaseResult is the benchmark counterpart of a BatchItem, graded pass/fail.
type CaseResult struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	CaseID      string     `json:"case_id"`
	SessionID   string     `json:"session_id"`
	Repo        string     `json:"repo"`
	Prompt      string     `json:"prompt"`
	TestCommand string     `json:"test_command"`
	Grader      string     `json:"grader"`
	Status      CaseStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	TokensTotal int        `json:"tokens_total"`
	TestOutput  string     `json:"test_output"`
}

type BenchmarkSummary struct {
	RunID       string             `json:"run_id"`
	Suite       string             `json:"suite"`
	Status      RunStatus          `json:"status"`
	Total       int                `json:"total"`
	Counts      map[CaseStatus]int `json:"counts"`
	PassRate    float64            `json:"pass_rate"`
	TokensTotal int                `json:"tokens_total"`
}

func SummarizeBenchmark(run *BenchmarkRun, cases []*CaseResult) BenchmarkSummary {
	sum := BenchmarkSummary{
		RunID:  run.ID,
		Suite:  run.Suite,
		Status: run.Status,
		Total:  len(cases),
		Counts: make(map[CaseStatus]int),
	}
	for _, c := range cases {
		sum.Counts[c.Status]++
		sum.TokensTotal += c.TokensTotal
	}
	if sum.Total > 0 {
		sum.PassRate = float64(sum.Counts[CaseStatusPass]) / float64(sum.Total)
	}
	return sum
}
