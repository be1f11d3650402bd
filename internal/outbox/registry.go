package outbox

import (
	"context"
	"sync"

	"pricewave.io/engine/internal/model"
)

// Subscriber receives delivered ledger events. A subscriber with no event
// types gets everything. Handle must be idempotent: the dispatcher gives
// at-least-once delivery, so the same event can arrive twice.
type Subscriber struct {
	Name       string
	EventTypes []string
	Handle     func(ctx context.Context, event model.EventLogEntry) error
}

// Registry holds the delivery fan-out. Registration happens at startup;
// lookups run on the dispatcher loop.
type Registry struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
}

// For returns the subscribers interested in the given event type, in
// registration order.
func (r *Registry) For(eventType string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Subscriber
	for _, sub := range r.subs {
		if len(sub.EventTypes) == 0 {
			matched = append(matched, sub)
			continue
		}
		for _, t := range sub.EventTypes {
			if t == eventType {
				matched = append(matched, sub)
				break
			}
		}
	}
	return matched
}
