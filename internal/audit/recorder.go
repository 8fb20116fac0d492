package audit

import (
	"context"
	"sync"

	"fulfillment-service/internal/models"
)

// Event is one emitted audit event as captured by a Recorder.
type Event struct {
	Kind    models.AuditKind
	OrderID int64
	Details map[string]any
}

// Recorder is an in-memory Sink that keeps everything it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, kind models.AuditKind, orderID int64, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: kind, OrderID: orderID, Details: details})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []models.AuditKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]models.AuditKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
