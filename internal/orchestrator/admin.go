package orchestrator

import (
	"context"
	"fmt"
	"time"

	"jarvis/internal/breaker"
	"jarvis/internal/bus"
	"jarvis/internal/domain"
)

// Status is the administrative view of the router.
type Status struct {
	Breakers          []breaker.Snapshot `json:"circuit_breakers"`
	FallbackProvider  string             `json:"fallback_provider,omitempty"`
	FallbackAvailable bool               `json:"fallback_available"`
	SkillsLoaded      []string           `json:"skills_loaded"`
	Executors         []string           `json:"executors"`
	SchemaWarnings    []string           `json:"schema_warnings,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}

// Status reports breaker states, provider availability and the loaded
// skills. It does not contact the provider.
func (r *Router) Status() Status {
	schemas := r.schemas.List()
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return Status{
		Breakers:          r.breakers.Snapshot(),
		FallbackProvider:  r.fallback.ProviderName(),
		FallbackAvailable: r.fallback.Available(),
		SkillsLoaded:      names,
		Executors:         r.skills.Names(),
		SchemaWarnings:    r.schemas.Warnings(),
		Timestamp:         r.now(),
	}
}

// ResetBreaker closes the breaker of skill, or every breaker when skill is
// empty. Resetting a skill that has never been called is an error.
func (r *Router) ResetBreaker(skill string) error {
	if skill == "" {
		r.breakers.ResetAll()
		return nil
	}
	if !r.breakers.Reset(skill) {
		return fmt.Errorf("no circuit breaker for skill %q", skill)
	}
	r.logger.Info("circuit breaker reset manually", "skill", skill)
	return nil
}

// ReloadSchemas rebuilds the schema registry and returns the number loaded.
func (r *Router) ReloadSchemas(ctx context.Context) (int, error) {
	n, err := r.schemas.Reload(ctx)
	if err != nil {
		r.logger.Error("schema reload failed", "err", err)
		return 0, err
	}
	r.metrics.SchemasLoaded(n)
	r.emit(bus.EventSchemasReloaded, map[string]any{"count": n})
	r.logger.Info("schemas reloaded", "count", n)
	return n, nil
}

// Schemas lists the loaded schemas in load order.
func (r *Router) Schemas() []domain.Schema {
	return r.schemas.List()
}

// Reload lets the schema watcher reload through the router so the loaded
// schema gauge stays current.
func (r *Router) Reload(ctx context.Context) (int, error) {
	return r.ReloadSchemas(ctx)
}
