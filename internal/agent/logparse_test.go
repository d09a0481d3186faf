package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

const mockDebugLog = `{"level":"info","message":"Starting Amp CLI.","timestamp":"2025-08-22T11:24:34.950Z"}
{"level":"debug","message":"Selected primary model","model":"anthropic/claude-sonnet-4-20250514","timestamp":"2025-08-22T11:24:34.987Z"}
{"level":"debug","threadId":"T-abc123-def456","message":"Thread created","timestamp":"2025-08-22T11:24:35.100Z"}
{"level":"debug","name":"invokeTool","message":"toolu_abc123, invoking tool","timestamp":"2025-08-22T11:24:35.200Z"}
{"level":"debug","name":"toolCall","message":"{\"name\":\"glob\",\"arguments\":{\"filePattern\":\"**/*.py\"},\"toolId\":\"toolu_abc123\"}","timestamp":"2025-08-22T11:24:35.300Z"}
{"level":"debug","name":"invokeTool","message":"toolu_def456, invoking tool","timestamp":"2025-08-22T11:24:35.400Z"}
{"level":"debug","name":"toolCall","message":"{\"name\":\"Read\",\"arguments\":{\"path\":\"/Users/test/README.md\"},\"toolId\":\"toolu_def456\"}","timestamp":"2025-08-22T11:24:35.500Z"}
not json at all
{"level":"debug","input_tokens":1000,"output_tokens":500,"message":"Token usage recorded","timestamp":"2025-08-22T11:24:35.900Z"}
{"level":"debug","input_tokens":1500,"output_tokens":800,"message":"Token usage recorded","timestamp":"2025-08-22T11:24:36.000Z"}
{"level":"debug","inferenceDuration":2.5,"tokensPerSecond":320,"outputTokens":800,"message":"Performance metrics","timestamp":"2025-08-22T11:24:36.100Z"}
`

func TestParseDebugLog(t *testing.T) {
	parsed, err := ParseDebugLog(strings.NewReader(mockDebugLog))
	if err != nil {
		t.Fatalf("ParseDebugLog() error = %v", err)
	}

	if len(parsed.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(parsed.ToolCalls))
	}
	glob, ok := parsed.ToolCalls[0].Args.(GlobArgs)
	if !ok || glob.Pattern != "**/*.py" {
		t.Errorf("first call args = %#v", parsed.ToolCalls[0].Args)
	}
	read, ok := parsed.ToolCalls[1].Args.(ReadArgs)
	if !ok || read.Path != "/Users/test/README.md" {
		t.Errorf("second call args = %#v", parsed.ToolCalls[1].Args)
	}
	if parsed.ToolCalls[0].Time.IsZero() {
		t.Error("tool call timestamp not parsed")
	}

	if parsed.Usage.Input != 1500 || parsed.Usage.Output != 800 || parsed.Usage.Total != 2300 {
		t.Errorf("Usage = %+v, want last record to win", parsed.Usage)
	}
	if parsed.Perf == nil || parsed.Perf.InferenceDuration != 2.5 || parsed.Perf.OutputTokens != 800 {
		t.Errorf("Perf = %+v", parsed.Perf)
	}
	if parsed.ThreadID != "T-abc123-def456" {
		t.Errorf("ThreadID = %q", parsed.ThreadID)
	}
	if parsed.Model != "anthropic/claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", parsed.Model)
	}
}

func TestParseDebugLog_EdgeCases(t *testing.T) {
	log := `{"name":"invokeTool","message":"toolu_orphan, invoking tool"}
{"name":"toolCall","message":"{\"name\":\"Grep\",\"arguments\":{},\"toolId\":\"toolu_unknown\"}"}
{"toolName":"Bash","durationMs":120,"success":false}
{"message":"Resuming thread T-0f0f-aa11 from disk"}
{"totalTokens":9000}
{"level":"error","message":"rate limited"}`

	parsed, err := ParseDebugLog(strings.NewReader(log))
	if err != nil {
		t.Fatal(err)
	}

	if len(parsed.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2: %+v", len(parsed.ToolCalls), parsed.ToolCalls)
	}
	orphan := parsed.ToolCalls[0]
	if orphan.ToolID != "toolu_orphan" || orphan.Completed {
		t.Errorf("pending call = %+v", orphan)
	}
	bash := parsed.ToolCalls[1]
	if bash.Name != "Bash" || bash.Success || bash.DurationMs != 120 {
		t.Errorf("toolName record = %+v", bash)
	}
	if parsed.ThreadID != "T-0f0f-aa11" {
		t.Errorf("ThreadID = %q", parsed.ThreadID)
	}
	if parsed.Usage.Total != 9000 {
		t.Errorf("Usage.Total = %d, want 9000", parsed.Usage.Total)
	}
	if len(parsed.Errors) != 1 || parsed.Errors[0] != "rate limited" {
		t.Errorf("Errors = %v", parsed.Errors)
	}

	if m := orphan.ToModel("s1", 0); m.ToolName != "unknown" || m.Timestamp.IsZero() {
		t.Errorf("ToModel() = %+v", m)
	}
}

func TestDecodeToolArgs(t *testing.T) {
	tests := []struct {
		name string
		tool string
		raw  string
		want ToolArgs
	}{
		{"read", "Read", `{"path":"a.go","read_range":[1,10]}`, ReadArgs{Path: "a.go", ReadRange: []int{1, 10}}},
		{"glob", "glob", `{"filePattern":"*.go"}`, GlobArgs{Pattern: "*.go"}},
		{"grep", "Grep", `{"pattern":"TODO","path":"src"}`, GrepArgs{Pattern: "TODO", Path: "src"}},
		{"edit", "edit_file", `{"path":"a.go","old_str":"x","new_str":"y"}`, EditArgs{Path: "a.go", OldStr: "x", NewStr: "y"}},
		{"bash cmd", "Bash", `{"cmd":"go test"}`, BashArgs{Command: "go test"}},
		{"bash command", "bash", `{"command":"ls","cwd":"/tmp"}`, BashArgs{Command: "ls", Cwd: "/tmp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeToolArgs(tt.tool, json.RawMessage(tt.raw))
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("DecodeToolArgs() = %#v, want %#v", got, tt.want)
			}
		})
	}

	t.Run("unknown tool is opaque", func(t *testing.T) {
		raw := json.RawMessage(`{"url":"https://example.com"}`)
		got, ok := DecodeToolArgs("read_web_page", raw).(OpaqueArgs)
		if !ok || string(got.Raw) != string(raw) {
			t.Errorf("DecodeToolArgs() = %#v", got)
		}
	})

	t.Run("mismatched args are opaque", func(t *testing.T) {
		if _, ok := DecodeToolArgs("Read", json.RawMessage(`{"file":"x"}`)).(OpaqueArgs); !ok {
			t.Error("expected OpaqueArgs")
		}
	})
}
