package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job type. Run returns ErrQuarantine (wrapped) for
// failures that must not be retried.
type Handler interface {
	Type() string
	Run(ctx *Context) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handlers; a job type may be claimed by only one handler.
func (r *Registry) Register(handlers ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handlers {
		if h == nil {
			return fmt.Errorf("nil handler")
		}
		jobType := h.Type()
		if jobType == "" {
			return fmt.Errorf("handler %T has an empty job type", h)
		}
		if prev, exists := r.handlers[jobType]; exists {
			return fmt.Errorf("job_type=%s already handled by %T", jobType, prev)
		}
		r.handlers[jobType] = h
	}
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
