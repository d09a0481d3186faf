package models

import "time"

type SessionStatus string

const (
	SessionStatusIdle          SessionStatus = "idle"
	SessionStatusRunning       SessionStatus = "running"
	SessionStatusAwaitingInput SessionStatus = "awaiting-input"
	SessionStatusError         SessionStatus = "error"
	SessionStatusDone          SessionStatus = "done"
)

type SessionMode string

const (
	SessionModeAsync       SessionMode = "async"
	SessionModeInteractive SessionMode = "interactive"
)

// Session is one isolated unit of agent work, bound 1:1 to a branch and
// worktree pair under RepoRoot.
type Session struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	RepoRoot      string        `json:"repo_root"`
	BaseBranch    string        `json:"base_branch"`
	BranchName    string        `json:"branch_name"`
	WorktreePath  string        `json:"worktree_path"`
	Status        SessionStatus `json:"status"`
	Mode          SessionMode   `json:"mode"`
	ScriptCommand string        `json:"script_command,omitempty"` // replaces the agent binary when set
	ModelOverride string        `json:"model_override,omitempty"`
	ThreadID      string        `json:"thread_id,omitempty"`
	AutoCommit    bool          `json:"auto_commit"`
	CreatedAt     time.Time     `json:"created_at"`
	LastRun       *time.Time    `json:"last_run,omitempty"`
}

func (s *Session) IsInteractive() bool {
	return s.Mode == SessionModeInteractive
}
