package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mpataki/ampwork/internal/config"
	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/orchestrator"
)

func createTempGitRepo(t *testing.T) string {
	t.Helper()
	dir, _ := filepath.EvalSymlinks(t.TempDir())
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
	} {
		gitCmd(t, dir, args...)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %s: %v", strings.Join(args, " "), out, err)
	}
}

func setupServer(t *testing.T, token string) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:     dir,
		DBPath:      filepath.Join(dir, "ampwork.db"),
		AgentBin:    "true",
		LogFormat:   "console",
		Concurrency: 2,
		ItemTimeout: time.Minute,
		StopGrace:   time.Second,
		AuthTTL:     time.Minute,
	}
	logger := zaptest.NewLogger(t)
	o, err := orchestrator.Open(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewRouter(Deps{
		Store:      o.Storage(),
		Hub:        o.Hub(),
		Sessions:   o.Sessions(),
		Batches:    o.Batches(),
		Benchmarks: o.Benchmarks(),
		Token:      token,
	}, logger))
	t.Cleanup(func() {
		srv.Close()
		o.Shutdown(context.Background())
	})
	return srv, o
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t, "")
	resp, _ := do(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d", resp.StatusCode)
	}
	if len(resp.Header.Get("X-Request-ID")) != 8 {
		t.Errorf("X-Request-ID = %q", resp.Header.Get("X-Request-ID"))
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _ := setupServer(t, "secret")

	if resp, _ := do(t, http.MethodGet, srv.URL+"/health", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d, want open", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/sessions", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /sessions without token = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /sessions with token = %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := setupServer(t, "")
	repo := createTempGitRepo(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/sessions", map[string]any{
		"repo":           repo,
		"name":           "Fix bug",
		"script_command": `echo "Fix bug" > fix.txt`,
		"auto_commit":    true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /sessions = %d: %s", resp.StatusCode, body)
	}
	sess := decode[models.Session](t, body)
	if !strings.HasPrefix(sess.BranchName, "amp/fix-bug/") || sess.Status != models.SessionStatusIdle {
		t.Errorf("created session = %+v", sess)
	}
	base := srv.URL + "/sessions/" + sess.ID

	resp, body = do(t, http.MethodPost, base+"/iterate", map[string]string{"notes": "first pass"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST iterate = %d: %s", resp.StatusCode, body)
	}
	it := decode[iterateResponse](t, body)
	if it.Error != "" || it.Iteration.ExitCode == nil || *it.Iteration.ExitCode != 0 || it.Iteration.CommitSHA == "" {
		t.Errorf("iterate = %+v (%+v)", it, it.Iteration)
	}

	resp, body = do(t, http.MethodGet, base+"/diff", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "+Fix bug") {
		t.Errorf("GET diff = %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, base+"/iterations", nil)
	its := decode[map[string][]models.Iteration](t, body)
	if resp.StatusCode != http.StatusOK || len(its["iterations"]) != 1 || its["iterations"][0].Notes != "first pass" {
		t.Errorf("GET iterations = %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/sessions?repo="+repo, nil)
	list := decode[map[string][]models.Session](t, body)
	if resp.StatusCode != http.StatusOK || len(list["sessions"]) != 1 {
		t.Errorf("GET /sessions = %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, base+"/merge", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST merge = %d: %s", resp.StatusCode, body)
	}

	if resp, body = do(t, http.MethodDelete, base, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE session = %d: %s", resp.StatusCode, body)
	}
	if resp, _ = do(t, http.MethodGet, base, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted session = %d", resp.StatusCode)
	}
	if resp, _ = do(t, http.MethodDelete, base, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("second DELETE = %d, want no-op", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := setupServer(t, "")
	repo := createTempGitRepo(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/sessions", map[string]any{"repo": repo, "name": "idle"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /sessions = %d: %s", resp.StatusCode, body)
	}
	sess := decode[models.Session](t, body)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"not a repo", http.MethodPost, "/sessions", map[string]any{"repo": t.TempDir()}, http.StatusUnprocessableEntity},
		{"missing base branch", http.MethodPost, "/sessions", map[string]any{"repo": repo, "base_branch": "nope"}, http.StatusUnprocessableEntity},
		{"missing repo", http.MethodPost, "/sessions", map[string]any{}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/sessions", map[string]any{"repo": repo, "bogus": 1}, http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/sessions", map[string]any{"repo": repo, "mode": "turbo"}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/sessions/nope", nil, http.StatusNotFound},
		{"iterate unknown", http.MethodPost, "/sessions/nope/iterate", nil, http.StatusNotFound},
		{"continue without merge", http.MethodPost, "/sessions/" + sess.ID + "/continue", nil, http.StatusConflict},
		{"send without handle", http.MethodPost, "/sessions/" + sess.ID + "/messages", map[string]string{"message": "hi"}, http.StatusNotFound},
		{"empty message", http.MethodPost, "/sessions/" + sess.ID + "/messages", map[string]string{"message": " "}, http.StatusBadRequest},
		{"squash without message", http.MethodPost, "/sessions/" + sess.ID + "/squash", nil, http.StatusBadRequest},
		{"unknown thread", http.MethodGet, "/threads/nope/messages", nil, http.StatusNotFound},
		{"empty batch", http.MethodPost, "/batches", map[string]any{}, http.StatusBadRequest},
		{"bad batch timeout", http.MethodPost, "/batches", map[string]any{"items": []map[string]string{{"repo": repo, "prompt": "p"}}, "timeout": "soon"}, http.StatusBadRequest},
		{"unknown batch", http.MethodGet, "/batches/nope", nil, http.StatusNotFound},
		{"abort unknown batch", http.MethodPost, "/batches/nope/abort", nil, http.StatusNotFound},
		{"missing suite", http.MethodPost, "/benchmarks", map[string]string{"suite": filepath.Join(t.TempDir(), "none.yaml")}, http.StatusBadRequest},
		{"unknown benchmark", http.MethodGet, "/benchmarks/nope/cases", nil, http.StatusNotFound},
		{"prune without repo", http.MethodPost, "/prune", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/batches?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, resp.StatusCode, tt.want, body)
			}
			if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
				t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestBatchOverHTTP(t *testing.T) {
	srv, o := setupServer(t, "")
	repo := createTempGitRepo(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/batches", map[string]any{
		"items": []map[string]string{
			{"repo": repo, "prompt": "one"},
			{"repo": repo, "prompt": "two"},
		},
		"timeout":  "30s",
		"defaults": map[string]any{"script_command": "cat > prompt.txt", "auto_commit": true},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /batches = %d: %s", resp.StatusCode, body)
	}
	runID := decode[startRunResponse](t, body).RunID

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.Batches().Wait(ctx, runID); err != nil {
		t.Fatal(err)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/batches/"+runID, nil)
	sum := decode[models.BatchSummary](t, body)
	if resp.StatusCode != http.StatusOK || sum.Counts[models.ItemStatusSuccess] != 2 || sum.Status != models.RunStatusFinished {
		t.Errorf("GET batch = %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/batches/"+runID+"/items", nil)
	items := decode[map[string][]models.BatchItem](t, body)
	if resp.StatusCode != http.StatusOK || len(items["items"]) != 2 || items["items"][0].SessionID == "" {
		t.Errorf("GET items = %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/prune", map[string]any{"repo": repo, "dry_run": true})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /prune = %d: %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/clean", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /clean = %d: %s", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	srv, o := setupServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/r1/events?kind=run-started,run-finished", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() || sc.Text() != ": subscribed" {
		t.Fatalf("first line = %q", sc.Text())
	}

	hub := o.Hub()
	hub.Publish(events.Event{Kind: events.KindRunStarted, RunID: "r2"})
	hub.Publish(events.Event{Kind: events.KindRunUpdated, RunID: "r1", Payload: events.ItemUpdate{ItemID: 1, Status: "running"}})
	hub.Publish(events.Event{Kind: events.KindRunFinished, RunID: "r1", Payload: events.RunSummary{Total: 1}})

	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "event: run-finished" {
		t.Fatalf("event lines = %q", lines)
	}
	var ev struct {
		Kind    string            `json:"kind"`
		RunID   string            `json:"runId"`
		Payload events.RunSummary `json:"payload"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.RunID != "r1" || ev.Payload.Total != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(context.DeadlineExceeded); got != http.StatusInternalServerError {
		t.Errorf("statusFor(unmapped) = %d", got)
	}
}
