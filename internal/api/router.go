// Package api exposes sessions, runs and the event stream over HTTP for
// external front ends.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/batch"
	"github.com/mpataki/ampwork/internal/benchmark"
	"github.com/mpataki/ampwork/internal/events"
	"github.com/mpataki/ampwork/internal/logging"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/worktree"
)

type Deps struct {
	Store      *storage.Storage
	Hub        *events.Hub
	Sessions   *worktree.Manager
	Batches    *batch.Controller
	Benchmarks *benchmark.Runner
	// Token enables bearer auth on everything but /health when set.
	Token string
}

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(d Deps, logger *zap.Logger) *chi.Mux {
	logger = logging.OrNop(logger).Named("api")

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	sessionH := NewSessionHandler(d.Sessions, d.Store)
	runH := NewRunHandler(d.Batches, d.Benchmarks, d.Sessions, d.Store)
	eventH := NewEventHandler(d.Hub, logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(d.Token))

		r.Get("/events", eventH.Stream)
		r.Get("/runs/{id}/events", eventH.Run)
		r.Get("/handles/{id}/events", eventH.Handle)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionH.List)
			r.Post("/", sessionH.Create)
			r.Get("/{id}", sessionH.Get)
			r.Delete("/{id}", sessionH.Cleanup)
			r.Post("/{id}/iterate", sessionH.Iterate)
			r.Get("/{id}/iterations", sessionH.Iterations)
			r.Get("/{id}/tool-calls", sessionH.ToolCalls)
			r.Get("/{id}/diff", sessionH.Diff)
			r.Post("/{id}/squash", sessionH.Squash)
			r.Post("/{id}/rebase", sessionH.Rebase)
			r.Post("/{id}/cherry-pick", sessionH.CherryPick)
			r.Post("/{id}/continue", sessionH.Continue)
			r.Post("/{id}/abort", sessionH.Abort)
			r.Post("/{id}/merge", sessionH.Merge)
			r.Post("/{id}/interactive", sessionH.StartInteractive)
			r.Delete("/{id}/interactive", sessionH.StopInteractive)
			r.Post("/{id}/messages", sessionH.Send)
			r.Get("/{id}/threads", sessionH.Threads)
		})

		r.Get("/threads/{id}/messages", sessionH.Messages)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", runH.ListBatches)
			r.Post("/", runH.StartBatch)
			r.Get("/{id}", runH.BatchSummary)
			r.Get("/{id}/items", runH.BatchItems)
			r.Post("/{id}/abort", runH.AbortBatch)
		})

		r.Route("/benchmarks", func(r chi.Router) {
			r.Get("/", runH.ListBenchmarks)
			r.Post("/", runH.StartBenchmark)
			r.Get("/{id}", runH.BenchmarkSummary)
			r.Get("/{id}/cases", runH.BenchmarkCases)
			r.Post("/{id}/abort", runH.AbortBenchmark)
		})

		r.Post("/prune", runH.Prune)
		r.Post("/clean", runH.Clean)
	})

	return r
}
