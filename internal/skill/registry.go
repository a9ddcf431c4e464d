// Package skill holds the executor registration table and the built-in
// skills.
package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"jarvis/internal/domain"
)

// ErrNotFound is returned when no executor is registered for a matched schema.
var ErrNotFound = errors.New("skill executor not found")

// Func adapts a plain function to the domain.Skill interface.
type Func struct {
	name string
	fn   func(ctx context.Context, req domain.Request) (*domain.Response, error)
}

// NewFunc wraps fn as a skill named name.
func NewFunc(name string, fn func(ctx context.Context, req domain.Request) (*domain.Response, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Execute(ctx context.Context, req domain.Request) (*domain.Response, error) {
	return f.fn(ctx, req)
}

// Registry maps skill names to executors. It is populated at startup; lookups
// are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]domain.Skill
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills: make(map[string]domain.Skill),
		logger: logger,
	}
}

// Register adds an executor. Registering a name twice is an error.
func (r *Registry) Register(s domain.Skill) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("skill name required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill %q already registered", name)
	}
	r.skills[name] = s
	r.logger.Info("skill registered", "name", name)
	return nil
}

// Get returns the executor for name.
func (r *Registry) Get(name string) (domain.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Execute runs the executor registered under name.
func (r *Registry) Execute(ctx context.Context, name string, req domain.Request) (*domain.Response, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.Execute(ctx, req)
}

// Names returns the registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
