package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mpataki/ampwork/internal/models"
)

// ToolArgs is the decoded argument set of a tool call. Tools without a
// dedicated variant decode to OpaqueArgs.
type ToolArgs interface {
	toolArgs()
}

type ReadArgs struct {
	Path      string `json:"path"`
	ReadRange []int  `json:"read_range,omitempty"`
}

type GlobArgs struct {
	Pattern string `json:"filePattern"`
}

type GrepArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

type EditArgs struct {
	Path   string `json:"path"`
	OldStr string `json:"old_str"`
	NewStr string `json:"new_str"`
}

type BashArgs struct {
	Command string `json:"cmd"`
	Cwd     string `json:"cwd,omitempty"`
}

type OpaqueArgs struct {
	Raw json.RawMessage
}

func (ReadArgs) toolArgs()   {}
func (GlobArgs) toolArgs()   {}
func (GrepArgs) toolArgs()   {}
func (EditArgs) toolArgs()   {}
func (BashArgs) toolArgs()   {}
func (OpaqueArgs) toolArgs() {}

// DecodeToolArgs picks the variant for a tool name. Unknown tools and
// arguments that do not fit their variant come back opaque.
func DecodeToolArgs(name string, raw json.RawMessage) ToolArgs {
	var target ToolArgs
	switch strings.ToLower(name) {
	case "read", "read_file":
		var v ReadArgs
		if json.Unmarshal(raw, &v) == nil && v.Path != "" {
			target = v
		}
	case "glob":
		var v GlobArgs
		if json.Unmarshal(raw, &v) == nil && v.Pattern != "" {
			target = v
		}
	case "grep":
		var v GrepArgs
		if json.Unmarshal(raw, &v) == nil && v.Pattern != "" {
			target = v
		}
	case "edit", "edit_file":
		var v EditArgs
		if json.Unmarshal(raw, &v) == nil && v.Path != "" {
			target = v
		}
	case "bash":
		var v struct {
			Cmd     string `json:"cmd"`
			Command string `json:"command"`
			Cwd     string `json:"cwd"`
		}
		if json.Unmarshal(raw, &v) == nil {
			cmd := v.Cmd
			if cmd == "" {
				cmd = v.Command
			}
			if cmd != "" {
				target = BashArgs{Command: cmd, Cwd: v.Cwd}
			}
		}
	}
	if target == nil {
		return OpaqueArgs{Raw: raw}
	}
	return target
}

type ToolCallRecord struct {
	ToolID     string
	Name       string
	Args       ToolArgs
	RawArgs    json.RawMessage
	Time       time.Time
	Completed  bool
	Success    bool
	DurationMs int64
}

func (r ToolCallRecord) ToModel(sessionID string, iterationID int64) *models.ToolCall {
	name := r.Name
	if name == "" {
		name = "unknown"
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &models.ToolCall{
		SessionID:   sessionID,
		IterationID: iterationID,
		Timestamp:   ts,
		ToolName:    name,
		ArgsJSON:    string(r.RawArgs),
		Success:     r.Success,
		DurationMs:  r.DurationMs,
	}
}

type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

type Perf struct {
	InferenceDuration float64 `json:"inferenceDuration"`
	TokensPerSecond   float64 `json:"tokensPerSecond"`
	OutputTokens      int     `json:"outputTokens"`
}

// ParsedLog is what an agent debug log says about one invocation.
type ParsedLog struct {
	ToolCalls []ToolCallRecord
	Usage     TokenUsage
	Perf      *Perf
	Model     string
	ThreadID  string
	Errors    []string
}

// logRecord holds the fields of interest of one NDJSON debug record.
type logRecord struct {
	Level             string          `json:"level"`
	Message           string          `json:"message"`
	Name              string          `json:"name"`
	Timestamp         string          `json:"timestamp"`
	Model             string          `json:"model"`
	ThreadID          string          `json:"threadId"`
	ThreadIDSnake     string          `json:"thread_id"`
	InputTokens       *int            `json:"input_tokens"`
	OutputTokens      *int            `json:"output_tokens"`
	TotalTokens       *int            `json:"totalTokens"`
	InferenceDuration *float64        `json:"inferenceDuration"`
	TokensPerSecond   float64         `json:"tokensPerSecond"`
	PerfOutputTokens  int             `json:"outputTokens"`
	ToolName          string          `json:"toolName"`
	ToolID            string          `json:"toolId"`
	DurationMs        *int64          `json:"durationMs"`
	Success           *bool           `json:"success"`
	State             string          `json:"state"`
	FilePath          string          `json:"filePath"`
	Error             json.RawMessage `json:"error"`
}

func (r *logRecord) time() time.Time {
	if t, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

type toolPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	ToolID    string          `json:"toolId"`
	ID        string          `json:"id"`
}

var threadIDPattern = regexp.MustCompile(`T-[a-f0-9-]+`)

// logParser folds debug records into a ParsedLog. It is fed one line at a
// time so the live follower and offline ingestion share it.
type logParser struct {
	out     ParsedLog
	pending map[string]int // tool id -> index into out.ToolCalls
}

func newLogParser() *logParser {
	return &logParser{pending: make(map[string]int)}
}

// feed consumes one line and returns the record plus any tool call the line
// completed. Lines that are not JSON objects return a nil record.
func (p *logParser) feed(line []byte) (*logRecord, *ToolCallRecord) {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 || line[0] != '{' {
		return nil, nil
	}
	var rec logRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, nil
	}

	if rec.InputTokens != nil && rec.OutputTokens != nil {
		p.out.Usage.Input = *rec.InputTokens
		p.out.Usage.Output = *rec.OutputTokens
	}
	if rec.TotalTokens != nil && *rec.TotalTokens > p.out.Usage.Total {
		p.out.Usage.Total = *rec.TotalTokens
	}
	if rec.InferenceDuration != nil {
		p.out.Perf = &Perf{
			InferenceDuration: *rec.InferenceDuration,
			TokensPerSecond:   rec.TokensPerSecond,
			OutputTokens:      rec.PerfOutputTokens,
		}
	}
	if rec.Model != "" {
		p.out.Model = rec.Model
	}
	if p.out.ThreadID == "" {
		p.out.ThreadID = threadIDFrom(&rec)
	}
	if rec.Level == "error" && rec.Message != "" {
		p.out.Errors = append(p.out.Errors, rec.Message)
	}

	return &rec, p.toolCall(&rec)
}

func threadIDFrom(rec *logRecord) string {
	if rec.ThreadID != "" {
		return rec.ThreadID
	}
	if rec.ThreadIDSnake != "" {
		return rec.ThreadIDSnake
	}
	if strings.Contains(strings.ToLower(rec.Message), "thread") {
		return threadIDPattern.FindString(rec.Message)
	}
	return ""
}

// toolCall handles the invokeTool / toolCall record pair and the single
// toolName record form.
func (p *logParser) toolCall(rec *logRecord) *ToolCallRecord {
	switch {
	case rec.Name == "invokeTool":
		id := strings.TrimSpace(strings.SplitN(rec.Message, ",", 2)[0])
		if id == "" {
			return nil
		}
		p.out.ToolCalls = append(p.out.ToolCalls, ToolCallRecord{ToolID: id, Time: rec.time(), Success: true})
		p.pending[id] = len(p.out.ToolCalls) - 1
		return nil

	case rec.Name == "toolCall" || rec.Name == "toolCallCompleted":
		var payload toolPayload
		if err := json.Unmarshal([]byte(rec.Message), &payload); err != nil {
			return nil
		}
		id := payload.ToolID
		if id == "" {
			id = payload.ID
		}
		idx, ok := p.pending[id]
		if !ok {
			return nil
		}
		delete(p.pending, id)
		call := &p.out.ToolCalls[idx]
		call.Name = payload.Name
		call.RawArgs = payload.Arguments
		call.Args = DecodeToolArgs(payload.Name, payload.Arguments)
		call.Completed = true
		if rec.Error != nil && string(rec.Error) != "null" {
			call.Success = false
		}
		done := *call
		return &done

	case rec.ToolName != "":
		for i := len(p.out.ToolCalls) - 1; i >= 0 && rec.ToolID != ""; i-- {
			call := &p.out.ToolCalls[i]
			if call.ToolID == rec.ToolID {
				applyOutcome(call, rec)
				return nil
			}
		}
		call := ToolCallRecord{ToolID: rec.ToolID, Name: rec.ToolName, Time: rec.time(), Completed: true, Success: true}
		applyOutcome(&call, rec)
		p.out.ToolCalls = append(p.out.ToolCalls, call)
		return &call
	}
	return nil
}

func applyOutcome(call *ToolCallRecord, rec *logRecord) {
	if rec.DurationMs != nil {
		call.DurationMs = *rec.DurationMs
	}
	if rec.Success != nil {
		call.Success = *rec.Success
	}
}

// result returns the folded log. Tool calls whose completion record never
// arrived are kept with only their id.
func (p *logParser) result() *ParsedLog {
	out := p.out
	out.ToolCalls = append([]ToolCallRecord(nil), p.out.ToolCalls...)
	if sum := out.Usage.Input + out.Usage.Output; sum > out.Usage.Total {
		out.Usage.Total = sum
	}
	return &out
}

// ParseDebugLog reads an NDJSON agent debug log. Lines that are not JSON
// are skipped.
func ParseDebugLog(r io.Reader) (*ParsedLog, error) {
	p := newLogParser()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			p.feed(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return p.result(), nil
}

func ParseDebugLogFile(path string) (*ParsedLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDebugLog(f)
}
