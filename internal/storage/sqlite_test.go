package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/ampwork/internal/models"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(id, repo string) *models.Session {
	return &models.Session{
		ID:           id,
		Name:         "session " + id,
		RepoRoot:     repo,
		BaseBranch:   "main",
		BranchName:   "amp/session-" + id + "/1",
		WorktreePath: filepath.Join(repo, ".worktrees", id),
		Status:       models.SessionStatusIdle,
		Mode:         models.SessionModeAsync,
		CreatedAt:    time.Now().UTC(),
	}
}

func schemaSQL(t *testing.T, s *Storage) map[string]string {
	t.Helper()
	rows, err := s.db.Query(`SELECT name, COALESCE(sql, '') FROM sqlite_master WHERE name NOT LIKE 'sqlite_%'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, stmt string
		if err := rows.Scan(&name, &stmt); err != nil {
			t.Fatal(err)
		}
		out[name] = stmt
	}
	return out
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	before := schemaSQL(t, s)
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	after := schemaSQL(t, s)

	if len(before) != len(after) {
		t.Fatalf("schema objects changed: %d -> %d", len(before), len(after))
	}
	for name, stmt := range before {
		if after[name] != stmt {
			t.Errorf("schema of %s changed on reopen", name)
		}
	}

	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion() = %d, want %d", v, len(migrations))
	}

	// Re-applying a step against a migrated database must be harmless.
	for _, m := range migrations {
		if err := s.withTx(context.Background(), func(tx *sql.Tx) error { return m.apply(context.Background(), tx) }); err != nil {
			t.Errorf("re-apply migration %d: %v", m.version, err)
		}
	}
}

func TestMigrate_RebuildsLegacyBatchItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = raw.Exec(`
		CREATE TABLE batches (run_id TEXT PRIMARY KEY, created_at TIMESTAMP NOT NULL, defaults_json TEXT);
		CREATE TABLE batch_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			model TEXT,
			tokens_total INTEGER NOT NULL DEFAULT 0
		);
		INSERT INTO batches (run_id, created_at) VALUES ('r1', CURRENT_TIMESTAMP);
		INSERT INTO batch_items (run_id, session_id, repo, prompt, status) VALUES ('r1', '', '/repo', 'fix it', 'success');
	`)
	if err != nil {
		t.Fatal(err)
	}
	raw.Close()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() on legacy db error = %v", err)
	}
	defer s.Close()

	var notNull int
	if err := s.db.QueryRow(`SELECT "notnull" FROM pragma_table_info('batch_items') WHERE name = 'session_id'`).Scan(&notNull); err != nil {
		t.Fatal(err)
	}
	if notNull != 0 {
		t.Error("session_id still NOT NULL after migration")
	}

	items, err := s.ListBatchItems(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].SessionID != "" || items[0].Status != models.ItemStatusSuccess {
		t.Fatalf("legacy rows not preserved: %+v", items)
	}

	run, err := s.GetBatch(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusRunning || run.Concurrency != 1 {
		t.Errorf("added columns not defaulted: %+v", run)
	}
}

func TestSessionCRUD(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	sess := newSession("s1", "/repo")
	sess.AutoCommit = true
	sess.ModelOverride = "claude-sonnet"
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !got.AutoCommit || got.ModelOverride != "claude-sonnet" || got.BranchName != sess.BranchName {
		t.Errorf("GetSession() = %+v", got)
	}
	if got.LastRun != nil {
		t.Errorf("LastRun = %v, want nil", got.LastRun)
	}

	dup := newSession("s2", "/repo")
	dup.BranchName = sess.BranchName
	if err := s.CreateSession(ctx, dup); err == nil {
		t.Error("CreateSession() with duplicate branch succeeded")
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateSessionStatus(ctx, "missing", models.SessionStatusDone); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSessionStatus(missing) error = %v, want ErrNotFound", err)
	}

	deleted, err := s.DeleteSession(ctx, "s1")
	if err != nil || !deleted {
		t.Fatalf("DeleteSession() = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteSession(ctx, "s1")
	if err != nil || deleted {
		t.Fatalf("second DeleteSession() = %v, %v", deleted, err)
	}
}

func TestTryMarkSessionRunning(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, newSession("s1", "/repo")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryMarkSessionRunning(ctx, "s1")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}

	if _, err := s.TryMarkSessionRunning(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TryMarkSessionRunning(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSwapSessionStatus(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, newSession("s1", "/repo")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.SwapSessionStatus(ctx, "s1", models.SessionStatusIdle, models.SessionStatusRunning)
	if err != nil || !ok {
		t.Fatalf("SwapSessionStatus(idle->running) = %v, %v", ok, err)
	}
	ok, err = s.SwapSessionStatus(ctx, "s1", models.SessionStatusIdle, models.SessionStatusError)
	if err != nil || ok {
		t.Errorf("SwapSessionStatus from stale status = %v, %v, want false", ok, err)
	}
	if won, _ := s.TryMarkSessionRunning(ctx, "s1"); won {
		t.Error("TryMarkSessionRunning won against a held session")
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.Status != models.SessionStatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
}

func TestRepairHangingSessions(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateSession(ctx, newSession(id, "/repo")); err != nil {
			t.Fatal(err)
		}
	}
	s.UpdateSessionStatus(ctx, "a", models.SessionStatusRunning)
	s.UpdateSessionStatus(ctx, "b", models.SessionStatusRunning)
	s.UpdateSessionStatus(ctx, "c", models.SessionStatusError)

	hanging, err := s.GetHangingSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hanging) != 2 {
		t.Fatalf("GetHangingSessions() = %d sessions, want 2", len(hanging))
	}

	n, err := s.RepairHangingSessions(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RepairHangingSessions() = %d, %v", n, err)
	}
	hanging, _ = s.GetHangingSessions(ctx)
	if len(hanging) != 0 {
		t.Errorf("sessions still running after repair: %d", len(hanging))
	}
	c, _ := s.GetSession(ctx, "c")
	if c.Status != models.SessionStatusError {
		t.Errorf("non-running session changed to %s", c.Status)
	}
}

func TestIterationsAndToolCalls(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	it := &models.Iteration{SessionID: "s1", StartTime: time.Now().UTC(), Notes: "first pass"}
	if _, err := s.CreateIteration(ctx, it); err != nil {
		t.Fatal(err)
	}

	end := time.Now().UTC()
	code := 0
	it.EndTime = &end
	it.ExitCode = &code
	it.CommitSHA = "abc123"
	it.PromptTokens, it.CompletionTokens, it.TotalTokens = 10, 5, 15
	if err := s.FinalizeIteration(ctx, it); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetIteration(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Finished() || !got.Succeeded() || got.TotalTokens != 15 || got.Notes != "first pass" {
		t.Errorf("GetIteration() = %+v", got)
	}

	calls := []*models.ToolCall{
		{SessionID: "s1", IterationID: it.ID, Timestamp: end, ToolName: "Read", ArgsJSON: `{"path":"a.go"}`, Success: true},
		{SessionID: "s1", IterationID: it.ID, Timestamp: end, ToolName: "Bash", Success: false, DurationMs: 40},
	}
	if err := s.RecordToolCalls(ctx, calls); err != nil {
		t.Fatal(err)
	}
	listed, err := s.ListToolCalls(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].ToolName != "Read" || listed[1].Success {
		t.Errorf("ListToolCalls() = %+v", listed)
	}
}

func TestAppendMessages_ConcurrentIndexes(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.CreateThread(ctx, &models.Thread{ID: "t1", SessionID: "s1", Name: "main", CreatedAt: now, UpdatedAt: now, Status: models.ThreadStatusActive}); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &models.ThreadMessage{ThreadID: "t1", Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
			if err := s.AppendMessage(ctx, msg); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.Idx != i {
			t.Fatalf("message %d has idx %d", i, m.Idx)
		}
	}
}

func TestBatchClaimAndFinish(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	run := &models.BatchRun{
		ID:          "r1",
		CreatedAt:   time.Now().UTC(),
		Status:      models.RunStatusRunning,
		Concurrency: 2,
		Timeout:     90 * time.Second,
		Defaults:    models.BatchDefaults{BaseBranch: "main", AutoCommit: true},
	}
	items := []*models.BatchItem{
		{Repo: "/repo", Prompt: "one"},
		{Repo: "/repo", Prompt: "two"},
		{Repo: "/other", Prompt: "three"},
	}
	if err := s.CreateBatch(ctx, run, items); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if items[0].ID == 0 || items[2].ID <= items[1].ID {
		t.Fatalf("item ids not assigned in order: %d %d %d", items[0].ID, items[1].ID, items[2].ID)
	}

	got, err := s.GetBatch(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Timeout != 90*time.Second || !got.Defaults.AutoCommit || got.Defaults.BaseBranch != "main" {
		t.Errorf("GetBatch() = %+v", got)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[int64]int)
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.ClaimNextBatchItem(ctx, "r1")
			if err != nil {
				t.Error(err)
				return
			}
			if item != nil {
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 3 {
		t.Fatalf("claimed %d distinct items, want 3", len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("item %d claimed %d times", id, count)
		}
	}

	item := &models.BatchItem{ID: items[0].ID, Status: models.ItemStatusSuccess, TokensTotal: 42}
	ok, err := s.FinishBatchItem(ctx, item)
	if err != nil || !ok {
		t.Fatalf("FinishBatchItem() = %v, %v", ok, err)
	}
	item.Status = models.ItemStatusFail
	ok, err = s.FinishBatchItem(ctx, item)
	if err != nil || ok {
		t.Fatalf("second FinishBatchItem() = %v, %v; want no-op", ok, err)
	}

	listed, _ := s.ListBatchItems(ctx, "r1")
	if listed[0].Status != models.ItemStatusSuccess || listed[0].TokensTotal != 42 || listed[0].FinishedAt == nil {
		t.Errorf("finished item = %+v", listed[0])
	}
}

func TestFailInterruptedItems(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	run := &models.BatchRun{ID: "r1", CreatedAt: time.Now().UTC(), Status: models.RunStatusRunning, Concurrency: 1}
	if err := s.CreateBatch(ctx, run, []*models.BatchItem{{Repo: "/repo", Prompt: "p"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextBatchItem(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	bench := &models.BenchmarkRun{ID: "b1", Suite: "smoke", CreatedAt: time.Now().UTC(), Status: models.RunStatusRunning, Concurrency: 1}
	if err := s.CreateBenchmark(ctx, bench, []*models.CaseResult{{CaseID: "c1", Repo: "/repo", Prompt: "p"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextCase(ctx, "b1"); err != nil {
		t.Fatal(err)
	}

	n, err := s.FailInterruptedItems(ctx)
	if err != nil || n != 2 {
		t.Fatalf("FailInterruptedItems() = %d, %v; want 2", n, err)
	}

	items, _ := s.ListBatchItems(ctx, "r1")
	if items[0].Status != models.ItemStatusError || items[0].Error == "" {
		t.Errorf("batch item = %+v", items[0])
	}
	cases, _ := s.ListCases(ctx, "b1")
	if cases[0].Status != models.CaseStatusError {
		t.Errorf("case = %+v", cases[0])
	}
	got, _ := s.GetBatch(ctx, "r1")
	if got.Status != models.RunStatusFinished {
		t.Errorf("batch status = %s, want finished", got.Status)
	}
}

func TestDistinctRepoRoots(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	s.CreateSession(ctx, newSession("s1", "/a"))
	run := &models.BatchRun{ID: "r1", CreatedAt: time.Now().UTC(), Status: models.RunStatusRunning, Concurrency: 1}
	s.CreateBatch(ctx, run, []*models.BatchItem{{Repo: "/b", Prompt: "p"}, {Repo: "/a", Prompt: "q"}})
	bench := &models.BenchmarkRun{ID: "b1", Suite: "x", CreatedAt: time.Now().UTC(), Status: models.RunStatusRunning, Concurrency: 1}
	s.CreateBenchmark(ctx, bench, []*models.CaseResult{{CaseID: "c", Repo: "/c", Prompt: "p"}})

	roots, err := s.DistinctRepoRoots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/a", "/b", "/c"}
	if fmt.Sprint(roots) != fmt.Sprint(want) {
		t.Errorf("DistinctRepoRoots() = %v, want %v", roots, want)
	}
}
