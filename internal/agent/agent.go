// Package agent runs the coding agent CLI as a subprocess, either once per
// iteration or as a long-lived interactive handle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/models"
)

var (
	ErrHandleNotFound   = errors.New("interactive handle not found")
	ErrNotAuthenticated = errors.New("agent is not authenticated")
)

const maxOutputBytes = 64 * 1024

type Config struct {
	Binary    string
	LogDir    string
	AuthArgs  []string
	AuthTTL   time.Duration
	StopGrace time.Duration
	// PollInterval is the fallback poll of the live log follower.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Binary == "" {
		out.Binary = "amp"
	}
	if out.LogDir == "" {
		out.LogDir = os.TempDir()
	}
	if len(out.AuthArgs) == 0 {
		out.AuthArgs = []string{"whoami"}
	}
	if out.AuthTTL == 0 {
		out.AuthTTL = 5 * time.Minute
	}
	if out.StopGrace == 0 {
		out.StopGrace = 5 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	return out
}

// TelemetrySink persists tool calls parsed from agent logs.
type TelemetrySink interface {
	RecordToolCalls(ctx context.Context, calls []*models.ToolCall) error
}

type Adapter struct {
	cfg      Config
	sink     TelemetrySink
	hub      *events.Hub
	registry *Registry
	logger   *zap.Logger

	authMu   sync.Mutex
	authedAt time.Time
}

// New returns an adapter publishing handle events to hub. A nil sink skips
// telemetry persistence.
func New(cfg Config, sink TelemetrySink, hub *events.Hub, logger *zap.Logger) *Adapter {
	if hub == nil {
		hub = events.NewHub()
	}
	return &Adapter{
		cfg:      cfg.withDefaults(),
		sink:     sink,
		hub:      hub,
		registry: NewRegistry(),
		logger:   logging.OrNop(logger).Named("agent"),
	}
}

func (a *Adapter) Registry() *Registry { return a.registry }

type RunRequest struct {
	SessionID     string
	IterationID   int64
	WorktreePath  string
	Prompt        string
	Model         string
	ScriptCommand string
}

type RunResult struct {
	ExitCode int
	Output   string
	LogPath  string
	Duration time.Duration
	Log      *ParsedLog
}

// Run executes one agent invocation in req.WorktreePath and waits for it.
// A non-zero exit is reported in the result, not as an error. When ctx ends
// first the whole process group is killed and ctx.Err() is returned along
// with whatever was collected.
func (a *Adapter) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := a.CheckAuthentication(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := a.logPath(req.SessionID, fmt.Sprintf("it%d", req.IterationID))
	cmd := a.command(ctx, req.ScriptCommand, req.Model, logPath, oneShotArgs(logPath))
	cmd.Dir = req.WorktreePath
	cmd.Stdin = strings.NewReader(req.Prompt)
	out := &tailBuffer{max: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	log := a.logger.With(zap.String("session", req.SessionID), zap.Int64("iteration", req.IterationID))
	log.Debug("starting agent", zap.String("dir", req.WorktreePath), zap.String("log", logPath))

	start := time.Now()
	runErr := cmd.Run()
	res := &RunResult{
		ExitCode: -1,
		Output:   out.String(),
		LogPath:  logPath,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil && cmd.ProcessState == nil {
		return nil, fmt.Errorf("start agent: %w", runErr)
	}

	parsed, err := ParseDebugLogFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		log.Warn("parse debug log", zap.Error(err))
	}
	if parsed == nil {
		parsed = &ParsedLog{}
	}
	res.Log = parsed
	a.persistToolCalls(context.WithoutCancel(ctx), req.SessionID, req.IterationID, parsed.ToolCalls)

	log.Info("agent finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Int("tool_calls", len(parsed.ToolCalls)),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

func oneShotArgs(logPath string) []string {
	return []string{"--dangerously-allow-all", "-x", "--log-level", "debug", "--log-file", logPath}
}

// command builds the agent invocation. A script command replaces the agent
// binary and runs through sh; it receives the log path and model in the
// environment instead of as flags.
func (a *Adapter) command(ctx context.Context, script, model, logPath string, args []string) *exec.Cmd {
	var cmd *exec.Cmd
	if script != "" {
		cmd = exec.CommandContext(ctx, "sh", "-c", script)
	} else {
		if model != "" {
			args = append(args, "--model", model)
		}
		cmd = exec.CommandContext(ctx, a.cfg.Binary, args...)
	}
	cmd.Env = append(os.Environ(), "AMP_LOG_FILE="+logPath, "AMP_MODEL="+model)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd, syscall.SIGKILL)
	}
	cmd.WaitDelay = a.cfg.StopGrace
	return cmd
}

// killGroup signals the process group led by cmd's process so children the
// agent spawned go down with it.
func killGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func (a *Adapter) logPath(sessionID, suffix string) string {
	name := fmt.Sprintf("%s-%s-%d.log", sessionID, suffix, time.Now().UnixMilli())
	return filepath.Join(a.cfg.LogDir, name)
}

func (a *Adapter) persistToolCalls(ctx context.Context, sessionID string, iterationID int64, calls []ToolCallRecord) {
	if a.sink == nil || len(calls) == 0 {
		return
	}
	rows := make([]*models.ToolCall, 0, len(calls))
	for _, c := range calls {
		rows = append(rows, c.ToModel(sessionID, iterationID))
	}
	if err := a.sink.RecordToolCalls(ctx, rows); err != nil {
		a.logger.Warn("record tool calls", zap.String("session", sessionID), zap.Error(err))
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
