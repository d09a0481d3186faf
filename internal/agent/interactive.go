package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/gitops"
)

// Agent-level states carried on state events.
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateExited  = "exited"
)

type InteractiveOptions struct {
	SessionID     string
	WorktreePath  string
	Model         string
	ThreadID      string
	AutoCommit    bool
	ScriptCommand string
}

// Handle is one live interactive agent process.
type Handle struct {
	ID           string
	SessionID    string
	WorktreePath string
	ThreadID     string
	AutoCommit   bool
	LogPath      string
	StartedAt    time.Time

	cmd     *exec.Cmd
	hub     *events.Hub
	done    chan struct{}
	stopLog context.CancelFunc

	mu       sync.Mutex
	stdin    io.WriteCloser
	exitCode int
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode is valid after Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) write(line []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil {
		return ErrHandleNotFound
	}
	_, err := h.stdin.Write(append(line, '\n'))
	return err
}

func (h *Handle) closeStdin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin != nil {
		h.stdin.Close()
		h.stdin = nil
	}
}

// Registry owns the live handles of one adapter.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) add(h *Handle) {
	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()
}

func (r *Registry) remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	return h, ok
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// BySession returns the live handle attached to a session, if any.
func (r *Registry) BySession(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.SessionID == sessionID {
			return h, true
		}
	}
	return nil, false
}

func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

func interactiveArgs(logPath, threadID string) []string {
	args := []string{"--dangerously-allow-all", "--log-level", "debug", "--log-file", logPath,
		"-x", "--stream-json", "--stream-json-input"}
	if threadID != "" {
		args = append([]string{"threads", "continue", threadID}, args...)
	}
	return args
}

// StartInteractive spawns a long-lived agent bound to the worktree. Its
// events go to the adapter hub and to subscribers of the handle; nothing is
// buffered for late subscribers.
func (a *Adapter) StartInteractive(ctx context.Context, opts InteractiveOptions) (*Handle, error) {
	if err := a.CheckAuthentication(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	id := uuid.NewString()
	logPath := a.logPath(opts.SessionID, "h"+id[:8])

	// The process outlives the request that started it; only Stop ends it.
	cmd := a.command(context.WithoutCancel(ctx), opts.ScriptCommand, opts.Model, logPath, interactiveArgs(logPath, opts.ThreadID))
	cmd.Dir = opts.WorktreePath
	if opts.ThreadID != "" {
		cmd.Env = append(cmd.Env, "AMP_THREAD_ID="+opts.ThreadID)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	h := &Handle{
		ID:           id,
		SessionID:    opts.SessionID,
		WorktreePath: opts.WorktreePath,
		ThreadID:     opts.ThreadID,
		AutoCommit:   opts.AutoCommit,
		LogPath:      logPath,
		StartedAt:    time.Now().UTC(),
		cmd:          cmd,
		hub:          events.NewHub(),
		done:         make(chan struct{}),
		stdin:        stdin,
	}
	a.registry.add(h)

	log := a.logger.With(zap.String("handle", id), zap.String("session", opts.SessionID))
	log.Info("interactive agent started", zap.Int("pid", cmd.Process.Pid), zap.String("log", logPath))

	logCtx, stopLog := context.WithCancel(context.Background())
	h.stopLog = stopLog
	parser := newLogParser()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		f := &follower{
			path:   logPath,
			poll:   a.cfg.PollInterval,
			logger: log,
			onLine: func(line []byte) { a.handleLogLine(h, parser, line) },
		}
		f.run(logCtx)
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readStream(h, stdout, "stdout")
	}()
	go func() {
		defer readers.Done()
		a.readStream(h, stderr, "stderr")
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		h.mu.Lock()
		h.exitCode = code
		h.mu.Unlock()
		h.closeStdin()

		stopLog()
		<-logDone

		a.registry.remove(h.ID)
		a.emit(h, events.KindState, events.StateChange{State: StateExited})
		log.Info("interactive agent exited", zap.Int("exit_code", code), zap.Error(err))
		h.hub.Close()
		close(h.done)
	}()

	a.emit(h, events.KindState, events.StateChange{State: StateRunning})
	return h, nil
}

// Subscribe streams the events of one handle until it exits or the
// returned function is called.
func (a *Adapter) Subscribe(handleID string, buffer int) (<-chan events.Event, func(), error) {
	h, ok := a.registry.Get(handleID)
	if !ok {
		return nil, nil, ErrHandleNotFound
	}
	ch, unsub := h.hub.Subscribe(buffer)
	return ch, unsub, nil
}

type userInput struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string        `json:"role"`
	Content []textContent `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send writes a follow-up user message to the agent's stdin.
func (a *Adapter) Send(handleID, message string) error {
	h, ok := a.registry.Get(handleID)
	if !ok {
		return ErrHandleNotFound
	}
	line, err := json.Marshal(userInput{
		Type:    "user",
		Message: userMessage{Role: "user", Content: []textContent{{Type: "text", Text: message}}},
	})
	if err != nil {
		return err
	}
	if err := h.write(line); err != nil {
		return fmt.Errorf("send to %s: %w", handleID, err)
	}
	a.emit(h, events.KindState, events.StateChange{State: StateRunning})
	return nil
}

// Stop terminates the handle's process group: SIGTERM first, SIGKILL after
// the grace period. Stopping an unknown or already stopped handle is a no-op.
func (a *Adapter) Stop(handleID string) error {
	h, ok := a.registry.remove(handleID)
	if !ok {
		return nil
	}

	h.closeStdin()
	if err := killGroup(h.cmd, syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		a.logger.Debug("sigterm", zap.String("handle", handleID), zap.Error(err))
	}

	timer := time.NewTimer(a.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	a.logger.Warn("agent ignored SIGTERM, killing", zap.String("handle", handleID))
	killGroup(h.cmd, syscall.SIGKILL)
	<-h.done
	return nil
}

// StopAll stops every live handle.
func (a *Adapter) StopAll() {
	var wg sync.WaitGroup
	for _, h := range a.registry.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			a.Stop(id)
		}(h.ID)
	}
	wg.Wait()
}

func (a *Adapter) emit(h *Handle, kind events.Kind, payload events.Payload) {
	ev := events.Event{
		Kind:      kind,
		SessionID: h.SessionID,
		HandleID:  h.ID,
		Time:      time.Now().UTC(),
		Payload:   payload,
	}
	h.hub.Publish(ev)
	a.hub.Publish(ev)
}

// streamRecord is the subset of a stream-json output line the adapter
// understands.
type streamRecord struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []textContent `json:"content"`
	} `json:"message"`
	Result string `json:"result"`
}

func (a *Adapter) readStream(h *Handle, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream == "stderr" {
			a.emit(h, events.KindError, events.ErrorInfo{Message: line})
			continue
		}

		chunk := events.StreamChunk{Stream: stream, Line: line}
		var rec streamRecord
		if json.Unmarshal([]byte(line), &rec) == nil {
			switch rec.Type {
			case "assistant":
				chunk.Role = "assistant"
				for _, c := range rec.Message.Content {
					if c.Type == "text" {
						chunk.Text += c.Text
					}
				}
			case "result":
				a.emit(h, events.KindStreamingEvent, chunk)
				a.emit(h, events.KindState, events.StateChange{State: StateIdle})
				continue
			}
		}
		a.emit(h, events.KindStreamingEvent, chunk)
	}
}

// handleLogLine turns debug log records into handle events and persists
// tool calls as they complete.
func (a *Adapter) handleLogLine(h *Handle, parser *logParser, line []byte) {
	rec, call := parser.feed(line)
	if rec == nil {
		return
	}
	if call != nil {
		a.persistToolCalls(context.Background(), h.SessionID, 0, []ToolCallRecord{*call})
	}
	if rec.State != "" {
		a.emit(h, events.KindState, events.StateChange{State: rec.State})
	}
	if rec.Level == "error" {
		a.emit(h, events.KindError, events.ErrorInfo{Message: rec.Message})
	}
	if rec.FilePath != "" {
		a.emit(h, events.KindFilesChanged, events.FileChange{Paths: []string{rec.FilePath}})
		if h.AutoCommit {
			if err := gitops.AddAll(context.Background(), h.WorktreePath); err != nil {
				a.emit(h, events.KindError, events.ErrorInfo{Message: "stage changes: " + err.Error()})
				return
			}
			a.emit(h, events.KindChangesStaged, events.FileChange{Paths: []string{rec.FilePath}})
		}
	}
}
