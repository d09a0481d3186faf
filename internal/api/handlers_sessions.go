package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mpataki/ampwork/internal/models"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/worktree"
)

// SessionHandler handles session lifecycle, history and interactive
// requests.
type SessionHandler struct {
	sessions *worktree.Manager
	store    *storage.Storage
}

func NewSessionHandler(sessions *worktree.Manager, store *storage.Storage) *SessionHandler {
	return &SessionHandler{sessions: sessions, store: store}
}

type createSessionRequest struct {
	Repo          string             `json:"repo"`
	Name          string             `json:"name"`
	BaseBranch    string             `json:"base_branch"`
	Mode          models.SessionMode `json:"mode"`
	ScriptCommand string             `json:"script_command"`
	Model         string             `json:"model"`
	AutoCommit    bool               `json:"auto_commit"`
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	switch req.Mode {
	case "", models.SessionModeAsync, models.SessionModeInteractive:
	default:
		writeError(w, http.StatusBadRequest, "mode must be async or interactive")
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), worktree.CreateOptions{
		RepoRoot:      req.Repo,
		Name:          req.Name,
		BaseBranch:    req.BaseBranch,
		Mode:          req.Mode,
		ScriptCommand: req.ScriptCommand,
		ModelOverride: req.Model,
		AutoCommit:    req.AutoCommit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Cleanup handles DELETE /sessions/{id}?force=true
func (h *SessionHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Cleanup(r.Context(), chi.URLParam(r, "id"), queryBool(r, "force")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type iterateRequest struct {
	Notes string `json:"notes"`
}

type iterateResponse struct {
	Iteration *models.Iteration `json:"iteration"`
	Error     string            `json:"error,omitempty"`
}

// Iterate handles POST /sessions/{id}/iterate. It blocks until the agent
// finishes. A failed run that still produced an iteration is reported with
// 200 and the failure in the error field.
func (h *SessionHandler) Iterate(w http.ResponseWriter, r *http.Request) {
	var req iterateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	it, err := h.sessions.Iterate(r.Context(), chi.URLParam(r, "id"), worktree.IterateOptions{Notes: req.Notes})
	if it == nil {
		writeErr(w, err)
		return
	}
	resp := iterateResponse{Iteration: it}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Iterations handles GET /sessions/{id}/iterations
func (h *SessionHandler) Iterations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.GetSession(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	its, err := h.store.ListIterations(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if its == nil {
		its = []*models.Iteration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterations": its})
}

// ToolCalls handles GET /sessions/{id}/tool-calls
func (h *SessionHandler) ToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.store.ListToolCalls(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if calls == nil {
		calls = []*models.ToolCall{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_calls": calls})
}

// Diff handles GET /sessions/{id}/diff. The diff is returned as plain text.
func (h *SessionHandler) Diff(w http.ResponseWriter, r *http.Request) {
	diff, err := h.sessions.GetDiff(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff))
}

type squashRequest struct {
	Message string `json:"message"`
}

// Squash handles POST /sessions/{id}/squash
func (h *SessionHandler) Squash(w http.ResponseWriter, r *http.Request) {
	var req squashRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	res, err := h.sessions.SquashCommits(r.Context(), chi.URLParam(r, "id"), req.Message)
	h.writeMerge(w, res, err)
}

type rebaseRequest struct {
	Upstream string `json:"upstream"`
}

// Rebase handles POST /sessions/{id}/rebase. Without an upstream the session
// is rebased onto its base branch.
func (h *SessionHandler) Rebase(w http.ResponseWriter, r *http.Request) {
	var req rebaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	var (
		res *worktree.MergeResult
		err error
	)
	if req.Upstream == "" {
		res, err = h.sessions.RebaseOntoBase(r.Context(), id)
	} else {
		res, err = h.sessions.Rebase(r.Context(), id, req.Upstream)
	}
	h.writeMerge(w, res, err)
}

type cherryPickRequest struct {
	Commits []string `json:"commits"`
}

// CherryPick handles POST /sessions/{id}/cherry-pick
func (h *SessionHandler) CherryPick(w http.ResponseWriter, r *http.Request) {
	var req cherryPickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Commits) == 0 {
		writeError(w, http.StatusBadRequest, "commits is required")
		return
	}
	res, err := h.sessions.CherryPick(r.Context(), chi.URLParam(r, "id"), req.Commits...)
	h.writeMerge(w, res, err)
}

// Continue handles POST /sessions/{id}/continue
func (h *SessionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.ContinueMerge(r.Context(), chi.URLParam(r, "id"))
	h.writeMerge(w, res, err)
}

// Abort handles POST /sessions/{id}/abort
func (h *SessionHandler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.AbortMerge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Merge handles POST /sessions/{id}/merge
func (h *SessionHandler) Merge(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.FastForwardMerge(r.Context(), chi.URLParam(r, "id"))
	h.writeMerge(w, res, err)
}

// writeMerge reports conflicts with 409 and the result body so the caller
// can list the conflicting paths.
func (h *SessionHandler) writeMerge(w http.ResponseWriter, res *worktree.MergeResult, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	if !res.Clean() {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type interactiveResponse struct {
	HandleID string `json:"handle_id"`
	ThreadID string `json:"thread_id"`
}

// StartInteractive handles POST /sessions/{id}/interactive
func (h *SessionHandler) StartInteractive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, err := h.sessions.StartInteractive(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	threadID, _ := h.sessions.ThreadFor(id)
	writeJSON(w, http.StatusCreated, interactiveResponse{HandleID: handle.ID, ThreadID: threadID})
}

type sendRequest struct {
	Message string `json:"message"`
}

// Send handles POST /sessions/{id}/messages
func (h *SessionHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := h.sessions.Send(r.Context(), chi.URLParam(r, "id"), req.Message); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopInteractive handles DELETE /sessions/{id}/interactive
func (h *SessionHandler) StopInteractive(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.StopInteractive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Threads handles GET /sessions/{id}/threads
func (h *SessionHandler) Threads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.store.ListThreads(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if threads == nil {
		threads = []*models.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// Messages handles GET /threads/{id}/messages
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetThread(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.ThreadMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
