package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mpataki/ampwork/internal/batch"
	"github.com/mpataki/ampwork/internal/benchmark"
	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/suite"
	"github.com/mpataki/ampwork/internal/worktree"
)

// RunHandler handles batch and benchmark runs plus worktree maintenance.
type RunHandler struct {
	batches    *batch.Controller
	benchmarks *benchmark.Runner
	sessions   *worktree.Manager
	store      *storage.Storage
}

func NewRunHandler(batches *batch.Controller, benchmarks *benchmark.Runner, sessions *worktree.Manager, store *storage.Storage) *RunHandler {
	return &RunHandler{batches: batches, benchmarks: benchmarks, sessions: sessions, store: store}
}

// startBatchRequest either names a batch file on the server's filesystem or
// carries the items inline.
type startBatchRequest struct {
	File        string               `json:"file"`
	Items       []batch.ItemSpec     `json:"items"`
	Concurrency int                  `json:"concurrency"`
	Timeout     string               `json:"timeout"`
	Defaults    models.BatchDefaults `json:"defaults"`
}

func (req *startBatchRequest) options() (batch.StartOptions, error) {
	if req.File != "" {
		f, err := suite.ParseBatch(req.File)
		if err != nil {
			return batch.StartOptions{}, err
		}
		return f.StartOptions(), nil
	}
	f := suite.BatchFile{Concurrency: req.Concurrency, Defaults: req.Defaults, Items: req.Items}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return batch.StartOptions{}, fmt.Errorf("invalid timeout: %w", err)
		}
		f.Timeout = d
	}
	if err := f.Validate(); err != nil {
		return batch.StartOptions{}, err
	}
	return f.StartOptions(), nil
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

// StartBatch handles POST /batches
func (h *RunHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The run outlives the request.
	runID, err := h.batches.Start(context.WithoutCancel(r.Context()), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

// ListBatches handles GET /batches?limit=
func (h *RunHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.store.ListBatches(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*models.BatchRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": runs})
}

// BatchSummary handles GET /batches/{id}
func (h *RunHandler) BatchSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.batches.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// BatchItems handles GET /batches/{id}/items
func (h *RunHandler) BatchItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.batches.Items(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []*models.BatchItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// AbortBatch handles POST /batches/{id}/abort
func (h *RunHandler) AbortBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.batches.Abort(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type startBenchmarkRequest struct {
	Suite string `json:"suite"`
}

// StartBenchmark handles POST /benchmarks. Suite is the path of a suite
// file on the server's filesystem.
func (h *RunHandler) StartBenchmark(w http.ResponseWriter, r *http.Request) {
	var req startBenchmarkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Suite == "" {
		writeError(w, http.StatusBadRequest, "suite is required")
		return
	}
	s, err := suite.ParseSuite(req.Suite)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := h.benchmarks.Start(context.WithoutCancel(r.Context()), s)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

// ListBenchmarks handles GET /benchmarks?suite=&limit=
func (h *RunHandler) ListBenchmarks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.store.ListBenchmarks(r.Context(), r.URL.Query().Get("suite"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*models.BenchmarkRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"benchmarks": runs})
}

// BenchmarkSummary handles GET /benchmarks/{id}
func (h *RunHandler) BenchmarkSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.benchmarks.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// BenchmarkCases handles GET /benchmarks/{id}/cases
func (h *RunHandler) BenchmarkCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.benchmarks.Cases(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if cases == nil {
		cases = []*models.CaseResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

// AbortBenchmark handles POST /benchmarks/{id}/abort
func (h *RunHandler) AbortBenchmark(w http.ResponseWriter, r *http.Request) {
	if err := h.benchmarks.Abort(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type pruneRequest struct {
	Repo   string `json:"repo"`
	DryRun bool   `json:"dry_run"`
}

// Prune handles POST /prune
func (h *RunHandler) Prune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	report, err := h.sessions.PruneOrphans(r.Context(), req.Repo, req.DryRun)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Clean handles POST /clean
func (h *RunHandler) Clean(w http.ResponseWriter, r *http.Request) {
	report, err := h.batches.CleanWorktreeEnvironment(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
