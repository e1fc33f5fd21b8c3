package kv

import (
	"sync"

	"github.com/outofforest/kv/errsink"
)

// EventRecorder collects reported events.
type EventRecorder struct {
	mu     sync.Mutex
	events []errsink.Event
}

// Report records the event.
func (r *EventRecorder) Report(event errsink.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

// Events returns recorded events.
func (r *EventRecorder) Events() []errsink.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]errsink.Event(nil), r.events...)
}

// Kinds returns kinds of recorded events.
func (r *EventRecorder) Kinds() []string {
	events := r.Events()
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}
