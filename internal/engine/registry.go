package engine

import (
	"context"
	"sync"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// Handler uploads one queue item. A nil return marks the item completed.
// An error wrapping domain.ErrPermanent marks it failed immediately; any other
// error schedules a retry until the budget is exhausted.
type Handler func(ctx context.Context, item domain.QueueItem) error

// Registry maps item types to their upload handlers. Registrations are
// process-local and never persisted: callers must re-register on every start
// before relying on automatic sync. Registration is idempotent per type —
// the last registration wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(itemType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[itemType] = h
}

func (r *Registry) Get(itemType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[itemType]
	return h, ok
}

// Types returns the registered item types. Used by the stats endpoint.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
