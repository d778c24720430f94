// Package notify fans out dashboard events to connected listeners.
package notify

import (
	"encoding/json"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Kind string

const (
	// KindChanged means the dashboard state was replaced; listeners should
	// re-query.
	KindChanged Kind = "changed"
	// KindLoading carries the loading flag transitions.
	KindLoading      Kind = "loading"
	KindNotification Kind = "notification"
)

// Notification is a transient user-facing message that the client removes
// after DismissAfter.
type Notification struct {
	Level        Level
	Message      string
	DismissAfter time.Duration
}

func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Level          Level  `json:"level"`
		Message        string `json:"message"`
		DismissAfterMs int64  `json:"dismiss_after_ms"`
	}{n.Level, n.Message, n.DismissAfter.Milliseconds()})
}

type Event struct {
	Kind         Kind          `json:"kind"`
	Loading      bool          `json:"loading,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	At           time.Time     `json:"at"`
}

// Hub broadcasts events to every subscriber. Slow subscribers lose events
// rather than block the publisher.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events. The caller must Unsubscribe.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 8)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, ok := h.listeners[ch]
	delete(h.listeners, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Notify(n Notification) {
	h.Publish(Event{Kind: KindNotification, Notification: &n})
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Close unsubscribes every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners {
		delete(h.listeners, ch)
		close(ch)
	}
}
