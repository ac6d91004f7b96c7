package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrUnknownJobType   = errors.New("no handler for job type")
)

// Handler runs one job type. Run reports its outcome through ctx; a returned
// error means the handler itself broke.
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

// Register adds handlers in order and stops at the first invalid one.
func (r *Registry) Register(handlers ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handlers {
		if h == nil {
			return fmt.Errorf("register: nil handler")
		}
		jobType := h.Type()
		if jobType == "" {
			return fmt.Errorf("register %T: empty job type", h)
		}
		if _, dup := r.handlers[jobType]; dup {
			return fmt.Errorf("%w: job_type=%s", ErrDuplicateHandler, jobType)
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

// Lookup is Get with an ErrUnknownJobType error.
func (r *Registry) Lookup(jobType string) (Handler, error) {
	if h, ok := r.Get(jobType); ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: job_type=%s", ErrUnknownJobType, jobType)
}

// Types lists registered job types sorted.
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
