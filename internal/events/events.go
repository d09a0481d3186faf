// Package events fans progress notifications out to subscribers.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindRunStarted     Kind = "run-started"
	KindRunUpdated     Kind = "run-updated"
	KindRunFinished    Kind = "run-finished"
	KindRunAborted     Kind = "run-aborted"
	KindCaseFinished   Kind = "case-finished"
	KindStreamingEvent Kind = "streaming-event"
	KindState          Kind = "state"
	KindError          Kind = "error"
	KindFilesChanged   Kind = "files-changed"
	KindChangesStaged  Kind = "changes-staged"
)

// Payload is implemented only by the types in this package.
type Payload interface {
	payload()
}

// ItemUpdate reports a batch item transition.
type ItemUpdate struct {
	ItemID int64  `json:"itemId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CaseUpdate reports a benchmark case transition.
type CaseUpdate struct {
	CaseID string `json:"caseId"`
	Status string `json:"status"`
}

// RunSummary carries run totals on run-finished and run-aborted.
type RunSummary struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

type CaseOutcome struct {
	CaseID string `json:"caseId"`
	Status string `json:"status"`
}

// StreamChunk is one line of agent output. Role and Text are set when the
// line is an assistant message.
type StreamChunk struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
	Role   string `json:"role,omitempty"`
	Text   string `json:"text,omitempty"`
}

type StateChange struct {
	State string `json:"state"`
}

type ErrorInfo struct {
	Message string `json:"message"`
}

type FileChange struct {
	Paths []string `json:"paths"`
}

func (ItemUpdate) payload()  {}
func (CaseUpdate) payload()  {}
func (RunSummary) payload()  {}
func (CaseOutcome) payload() {}
func (StreamChunk) payload() {}
func (StateChange) payload() {}
func (ErrorInfo) payload()   {}
func (FileChange) payload()  {}

type Event struct {
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"runId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	HandleID  string    `json:"handleId,omitempty"`
	Time      time.Time `json:"time"`
	Payload   Payload   `json:"payload,omitempty"`
}

// Hub delivers every published event to every subscriber. A subscriber
// whose buffer is full misses the event; Publish never waits.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel; calling it twice is safe.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish stamps ev with the current time if unset and delivers it.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel and later Publish calls are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
