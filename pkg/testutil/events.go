package testutil

import (
	"context"
	"sync"

	"phiguard/internal/notify"
)

// Recorder is a notify.Observer that keeps every event for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *Recorder) Notify(_ context.Context, event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
