package workbench

import (
	"sync"

	"ancode/internal/runner"
)

type EventKind string

const (
	EventFile    EventKind = "file"
	EventAction  EventKind = "action"
	EventAlert   EventKind = "alert"
	EventPreview EventKind = "preview"
)

// ActionEvent mirrors one committed action state change.
type ActionEvent struct {
	MessageID string `json:"messageId"`
	ActionID  string `json:"actionId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	FilePath  string `json:"filePath,omitempty"`
	Launched  bool   `json:"launched,omitempty"`
}

// Event is one entry on the session event feed.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Path    string        `json:"path,omitempty"`
	File    *File         `json:"file,omitempty"`
	Action  *ActionEvent  `json:"action,omitempty"`
	Alert   *runner.Alert `json:"alert,omitempty"`
	Preview *PreviewState `json:"preview,omitempty"`
}

const eventBuffer = 64

type eventHub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan Event, eventBuffer)
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
}

// publish delivers ev to every subscriber, dropping it for subscribers whose
// buffer is full.
func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
