package models

import "time"

type ThreadStatus string

const (
	ThreadStatusActive ThreadStatus = "active"
	ThreadStatusClosed ThreadStatus = "closed"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Thread is a persisted conversation owned by a session. Its messages are
// ordered by Idx, which starts at 0 and has no gaps.
type Thread struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Status    ThreadStatus `json:"status"`
}

type ThreadMessage struct {
	ID        int64       `json:"id"`
	ThreadID  string      `json:"thread_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	Idx       int         `json:"idx"`
}
