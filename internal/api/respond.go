package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mpataki/ampwork/internal/agent"
	"github.com/mpataki/ampwork/internal/batch"
	"github.com/mpataki/ampwork/internal/storage"
	"github.com/mpataki/ampwork/internal/worktree"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps package sentinels to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, worktree.ErrSessionNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, batch.ErrRunNotFound),
		errors.Is(err, agent.ErrHandleNotFound):
		return http.StatusNotFound
	case errors.Is(err, worktree.ErrSessionBusy),
		errors.Is(err, worktree.ErrDirtyWorktree),
		errors.Is(err, worktree.ErrBranchExists),
		errors.Is(err, worktree.ErrNoMergeInProgress):
		return http.StatusConflict
	case errors.Is(err, worktree.ErrRepoInvalid),
		errors.Is(err, worktree.ErrBaseBranchNotFound),
		errors.Is(err, batch.ErrNoItems):
		return http.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrNotAuthenticated):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes an optional body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
