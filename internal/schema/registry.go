package schema

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"jarvis/internal/domain"

	"golang.org/x/sync/singleflight"
)

// Strategy selects how the keyword pass picks among several matching schemas.
type Strategy string

const (
	// StrategyFirst picks the first schema in load order with any keyword hit.
	StrategyFirst Strategy = "first"
	// StrategyScore picks the schema with the most distinct keyword hits,
	// ties going to the earlier schema in load order.
	StrategyScore Strategy = "score"
)

// Match passes, in the order they are tried.
const (
	ByAction  = "action"
	ByIntent  = "intent"
	ByKeyword = "keyword"
)

// Result describes how a request was matched.
type Result struct {
	Name  string `json:"name"`
	By    string `json:"by"`              // action | intent | keyword
	Score int    `json:"score,omitempty"` // keyword hits, keyword pass only
}

// Registry holds the loaded schemas. Readers use an immutable snapshot that
// reloads swap atomically, so a match never sees a partially loaded set.
type Registry struct {
	strategy Strategy
	logger   *slog.Logger

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// NewRegistry creates an empty registry for dir. Call Load or Reload to
// populate it.
func NewRegistry(dir string, strategy Strategy, logger *slog.Logger) *Registry {
	if strategy == "" {
		strategy = StrategyFirst
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		strategy: strategy,
		logger:   logger.With("component", "schema"),
	}
	r.current.Store(emptySnapshot(dir))
	return r
}

// Dir returns the directory the registry loads from.
func (r *Registry) Dir() string { return r.current.Load().dir }

// Load replaces the registry contents with the schemas found under dir and
// makes dir the source for later reloads. It returns the number of schemas
// loaded.
func (r *Registry) Load(dir string) (int, error) {
	snap, err := load(dir, r.logger)
	if err != nil {
		return 0, err
	}
	r.current.Store(snap)
	return len(snap.entries), nil
}

// Reload rebuilds the registry from its directory and swaps it in. Concurrent
// calls share a single load.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	ch := r.group.DoChan("reload", func() (any, error) {
		dir := r.Dir()
		r.logger.Info("reloading schemas", "dir", dir)
		snap, err := load(dir, r.logger)
		if err != nil {
			return 0, err
		}
		r.current.Store(snap)
		return len(snap.entries), nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

var _ domain.SchemaMatcher = (*Registry)(nil)

// Match returns the name of the skill that handles req.
func (r *Registry) Match(req domain.Request) (string, bool) {
	res, ok := r.Explain(req)
	return res.Name, ok
}

// Explain is Match with the pass that produced the hit.
func (r *Registry) Explain(req domain.Request) (Result, bool) {
	snap := r.current.Load()

	if action := strings.ToLower(strings.TrimSpace(req.Action)); action != "" {
		for _, e := range snap.entries {
			if e.action != "" && e.action == action {
				r.logger.Debug("matched schema", "skill", e.schema.Name, "by", ByAction)
				return Result{Name: e.schema.Name, By: ByAction}, true
			}
		}
	}

	if intent := strings.ToLower(strings.TrimSpace(req.Intent)); intent != "" {
		for _, e := range snap.entries {
			if e.intent != "" && e.intent == intent {
				r.logger.Debug("matched schema", "skill", e.schema.Name, "by", ByIntent)
				return Result{Name: e.schema.Name, By: ByIntent}, true
			}
		}
	}

	text := strings.ToLower(req.Message)
	if strings.TrimSpace(text) == "" {
		return Result{}, false
	}

	var best Result
	for _, e := range snap.entries {
		score := 0
		for _, kw := range e.keywords {
			if strings.Contains(text, kw) {
				score++
				if r.strategy == StrategyFirst {
					break
				}
			}
		}
		if score == 0 {
			continue
		}
		if r.strategy == StrategyFirst {
			best = Result{Name: e.schema.Name, By: ByKeyword, Score: score}
			break
		}
		if score > best.Score {
			best = Result{Name: e.schema.Name, By: ByKeyword, Score: score}
		}
	}
	if best.Name == "" {
		return Result{}, false
	}
	r.logger.Debug("matched schema", "skill", best.Name, "by", ByKeyword, "score", best.Score)
	return best, true
}

// All returns a copy of the loaded schemas keyed by name.
func (r *Registry) All() map[string]domain.Schema {
	snap := r.current.Load()
	out := make(map[string]domain.Schema, len(snap.entries))
	for _, e := range snap.entries {
		out[e.schema.Name] = e.schema
	}
	return out
}

// List returns the loaded schemas in load order.
func (r *Registry) List() []domain.Schema {
	snap := r.current.Load()
	out := make([]domain.Schema, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = e.schema
	}
	return out
}

// Get returns a single schema by name.
func (r *Registry) Get(name string) (domain.Schema, bool) {
	snap := r.current.Load()
	i, ok := snap.index[name]
	if !ok {
		return domain.Schema{}, false
	}
	return snap.entries[i].schema, true
}

// Len returns the number of loaded schemas.
func (r *Registry) Len() int {
	return len(r.current.Load().entries)
}

// Warnings returns the problems found by the most recent load: skipped
// documents, duplicates and keyword overlaps.
func (r *Registry) Warnings() []string {
	w := r.current.Load().warnings
	out := make([]string, len(w))
	copy(out, w)
	return out
}
