package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mpataki/ampwork/internal/events"
)

const (
	streamBuffer      = 256
	heartbeatInterval = 15 * time.Second
)

// EventHandler streams hub events to clients as server-sent events.
type EventHandler struct {
	hub       *events.Hub
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewEventHandler(hub *events.Hub, logger *zap.Logger) *EventHandler {
	return &EventHandler{hub: hub, heartbeat: heartbeatInterval, logger: logger}
}

// filter selects events by run, session, handle and kind. Empty fields
// match everything.
type filter struct {
	runID     string
	sessionID string
	handleID  string
	kinds     map[events.Kind]bool
}

func (f filter) match(ev events.Event) bool {
	if f.runID != "" && ev.RunID != f.runID {
		return false
	}
	if f.sessionID != "" && ev.SessionID != f.sessionID {
		return false
	}
	if f.handleID != "" && ev.HandleID != f.handleID {
		return false
	}
	if len(f.kinds) > 0 && !f.kinds[ev.Kind] {
		return false
	}
	return true
}

func filterFrom(r *http.Request) filter {
	q := r.URL.Query()
	f := filter{runID: q.Get("run"), sessionID: q.Get("session"), handleID: q.Get("handle")}
	if kinds := q.Get("kind"); kinds != "" {
		f.kinds = make(map[events.Kind]bool)
		for _, k := range strings.Split(kinds, ",") {
			f.kinds[events.Kind(strings.TrimSpace(k))] = true
		}
	}
	return f
}

// Stream handles GET /events?run=&session=&handle=&kind=a,b
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, filterFrom(r))
}

// Run handles GET /runs/{id}/events
func (h *EventHandler) Run(w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	f.runID = chi.URLParam(r, "id")
	h.stream(w, r, f)
}

// Handle handles GET /handles/{id}/events
func (h *EventHandler) Handle(w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	f.handleID = chi.URLParam(r, "id")
	h.stream(w, r, f)
}

func (h *EventHandler) stream(w http.ResponseWriter, r *http.Request, f filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsub := h.hub.Subscribe(streamBuffer)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// The comment tells the client the subscription is live.
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !f.match(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("failed to encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
