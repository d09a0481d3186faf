package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/models"
)

const fakeAmp = `#!/bin/sh
if [ "$1" = "whoami" ]; then
  echo "test@example.com"
  exit 0
fi
log=""
while [ $# -gt 0 ]; do
  case "$1" in
    --log-file) log="$2"; shift ;;
  esac
  shift
done
prompt=$(cat)
cat > "$log" <<'EOF'
{"level":"debug","message":"Selected primary model","model":"anthropic/claude-sonnet-4","timestamp":"2025-08-22T11:24:34.987Z"}
{"level":"debug","name":"invokeTool","message":"toolu_1, invoking tool","timestamp":"2025-08-22T11:24:35.200Z"}
{"level":"debug","name":"toolCall","message":"{\"name\":\"Read\",\"arguments\":{\"path\":\"README.md\"},\"toolId\":\"toolu_1\"}","timestamp":"2025-08-22T11:24:35.300Z"}
{"level":"debug","input_tokens":100,"output_tokens":40,"message":"Token usage recorded"}
EOF
echo "done: $prompt"
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

type recordingSink struct {
	mu    sync.Mutex
	calls []*models.ToolCall
}

func (s *recordingSink) RecordToolCalls(_ context.Context, calls []*models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, calls...)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestAdapter(t *testing.T, binary string, sink TelemetrySink) *Adapter {
	t.Helper()
	return New(Config{
		Binary:       binary,
		LogDir:       t.TempDir(),
		StopGrace:    300 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}, sink, events.NewHub(), zaptest.NewLogger(t))
}

func TestRun_ParsesLogAndPersistsToolCalls(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, writeScript(t, "amp", fakeAmp), sink)

	res, err := a.Run(context.Background(), RunRequest{
		SessionID:    "s1",
		IterationID:  7,
		WorktreePath: t.TempDir(),
		Prompt:       "fix the bug",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "done: fix the bug") {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Log.Usage.Total != 140 || res.Log.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("Log = %+v", res.Log)
	}

	if sink.count() != 1 {
		t.Fatalf("sink got %d tool calls, want 1", sink.count())
	}
	call := sink.calls[0]
	if call.SessionID != "s1" || call.IterationID != 7 || call.ToolName != "Read" {
		t.Errorf("tool call = %+v", call)
	}
}

func TestRun_NonZeroExitIsAResult(t *testing.T) {
	a := newTestAdapter(t, writeScript(t, "amp", fakeAmp), nil)

	res, err := a.Run(context.Background(), RunRequest{
		SessionID:     "s1",
		WorktreePath:  t.TempDir(),
		ScriptCommand: "echo failing >&2; exit 3",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "failing") {
		t.Errorf("Output = %q, want stderr captured", res.Output)
	}
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	a := newTestAdapter(t, writeScript(t, "amp", fakeAmp), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := a.Run(ctx, RunRequest{
		SessionID:     "s1",
		WorktreePath:  t.TempDir(),
		ScriptCommand: "sleep 30 & wait",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if res == nil || res.ExitCode == 0 {
		t.Errorf("result = %+v, want killed process", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %s after timeout", elapsed)
	}
}

func TestCheckAuthentication(t *testing.T) {
	t.Run("failing probe", func(t *testing.T) {
		bin := writeScript(t, "amp", "#!/bin/sh\necho 'not logged in' >&2\nexit 1\n")
		a := newTestAdapter(t, bin, nil)

		err := a.CheckAuthentication(context.Background())
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("error = %v, want ErrNotAuthenticated", err)
		}
		if !strings.Contains(err.Error(), "not logged in") {
			t.Errorf("error = %v, want probe output", err)
		}

		_, err = a.Run(context.Background(), RunRequest{SessionID: "s", WorktreePath: t.TempDir()})
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("Run() error = %v, want ErrNotAuthenticated", err)
		}
	})

	t.Run("success is cached", func(t *testing.T) {
		counter := filepath.Join(t.TempDir(), "count")
		bin := writeScript(t, "amp", "#!/bin/sh\necho x >> "+counter+"\n")
		a := newTestAdapter(t, bin, nil)

		for i := 0; i < 3; i++ {
			if err := a.CheckAuthentication(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		data, _ := os.ReadFile(counter)
		if n := strings.Count(string(data), "x"); n != 1 {
			t.Errorf("probe ran %d times, want 1", n)
		}

		a.InvalidateAuthentication()
		a.CheckAuthentication(context.Background())
		data, _ = os.ReadFile(counter)
		if n := strings.Count(string(data), "x"); n != 2 {
			t.Errorf("probe ran %d times after invalidate, want 2", n)
		}
	})
}

const echoAgent = `while read line; do
  printf '%s\n' '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ack"}]}}'
  printf '%s\n' '{"level":"debug","name":"invokeTool","message":"toolu_9, invoking tool"}' >> "$AMP_LOG_FILE"
  printf '%s\n' '{"level":"debug","name":"toolCall","message":"{\"name\":\"Bash\",\"arguments\":{\"cmd\":\"ls\"},\"toolId\":\"toolu_9\"}"}' >> "$AMP_LOG_FILE"
  printf '%s\n' '{"level":"info","filePath":"a.txt","message":"file written"}' >> "$AMP_LOG_FILE"
  printf '%s\n' '{"type":"result"}'
done`

func TestInteractive_SendAndStop(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, writeScript(t, "amp", fakeAmp), sink)

	h, err := a.StartInteractive(context.Background(), InteractiveOptions{
		SessionID:     "s1",
		WorktreePath:  t.TempDir(),
		ScriptCommand: echoAgent,
	})
	if err != nil {
		t.Fatalf("StartInteractive() error = %v", err)
	}
	if _, ok := a.Registry().BySession("s1"); !ok {
		t.Error("handle not registered")
	}

	ch, unsub, err := a.Subscribe(h.ID, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := a.Send(h.ID, "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var sawAck, sawIdle, sawFiles bool
	timeout := time.After(5 * time.Second)
	for !(sawAck && sawIdle && sawFiles) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if ev.HandleID != h.ID {
				t.Errorf("event for handle %q", ev.HandleID)
			}
			switch p := ev.Payload.(type) {
			case events.StreamChunk:
				if p.Role == "assistant" && p.Text == "ack" {
					sawAck = true
				}
			case events.StateChange:
				if p.State == StateIdle {
					sawIdle = true
				}
			case events.FileChange:
				if ev.Kind == events.KindFilesChanged && len(p.Paths) == 1 && p.Paths[0] == "a.txt" {
					sawFiles = true
				}
			}
		case <-timeout:
			t.Fatalf("timed out: ack=%v idle=%v files=%v", sawAck, sawIdle, sawFiles)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sink.count() != 1 || sink.calls[0].ToolName != "Bash" {
		t.Errorf("persisted tool calls = %d", sink.count())
	}

	if err := a.Stop(h.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle not done after Stop")
	}
	if err := a.Stop(h.ID); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := a.Send(h.ID, "again"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("Send() after stop error = %v, want ErrHandleNotFound", err)
	}
}

func TestStop_KillsAfterGrace(t *testing.T) {
	a := newTestAdapter(t, writeScript(t, "amp", fakeAmp), nil)

	h, err := a.StartInteractive(context.Background(), InteractiveOptions{
		SessionID:     "s1",
		WorktreePath:  t.TempDir(),
		ScriptCommand: "trap '' TERM; while true; do sleep 1; done",
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := a.Stop(h.ID); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop() took %s", elapsed)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Stop() returned before the process exited")
	}
}

func TestSend_UnknownHandle(t *testing.T) {
	a := newTestAdapter(t, "amp", nil)
	if err := a.Send("nope", "hi"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("Send() error = %v, want ErrHandleNotFound", err)
	}
	if err := a.Stop("nope"); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, _, err := a.Subscribe("nope", 1); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("Subscribe() error = %v", err)
	}
}
