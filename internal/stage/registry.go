package stage

import (
	"context"
	"fmt"
	"slices"

	"matchscope/internal/queue"
)

// Registry maps task kinds to the handler that executes them.
type Registry struct {
	handlers map[queue.TaskKind]Handler
}

// NewRegistry builds a registry from handlers. Registering two handlers for
// the same kind is an error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[queue.TaskKind]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		kind := h.Kind()
		if _, exists := r.handlers[kind]; exists {
			return nil, fmt.Errorf("duplicate handler for %s", kind)
		}
		r.handlers[kind] = h
	}
	return r, nil
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind queue.TaskKind) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns registered kinds of class in pipeline order. An empty class
// returns every registered kind.
func (r *Registry) Kinds(class Class) []queue.TaskKind {
	if r == nil {
		return nil
	}
	var kinds []queue.TaskKind
	for _, kind := range queue.AllKinds() {
		h, ok := r.handlers[kind]
		if !ok {
			continue
		}
		if class != "" && h.Class() != class {
			continue
		}
		kinds = append(kinds, kind)
	}
	return kinds
}

// IsHeavy reports whether kind is registered as a heavy stage.
func (r *Registry) IsHeavy(kind queue.TaskKind) bool {
	h, ok := r.Lookup(kind)
	return ok && h.Class() == ClassHeavy
}

// Missing lists pipeline kinds with no registered handler.
func (r *Registry) Missing() []queue.TaskKind {
	var missing []queue.TaskKind
	for _, kind := range queue.AllKinds() {
		if _, ok := r.Lookup(kind); !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}

// HealthCheck collects the health of every registered handler in pipeline order.
func (r *Registry) HealthCheck(ctx context.Context) []Health {
	kinds := r.Kinds("")
	out := make([]Health, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, r.handlers[kind].HealthCheck(ctx))
	}
	slices.SortStableFunc(out, func(a, b Health) int {
		if a.Ready == b.Ready {
			return 0
		}
		if !a.Ready {
			return -1
		}
		return 1
	})
	return out
}
