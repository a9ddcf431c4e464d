package domain

import "context"

// Schema is the declarative descriptor used to decide which skill handles a
// request. Description, Version, Examples and Parameters are metadata only.
type Schema struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Action      string         `json:"action,omitempty" yaml:"action,omitempty"`
	Intent      string         `json:"intent,omitempty" yaml:"intent,omitempty"`
	Keywords    []string       `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Examples    []string       `json:"examples,omitempty" yaml:"examples,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Path        string         `json:"-" yaml:"-"` // source document
}

// SchemaMatcher answers which skill, if any, handles a request.
type SchemaMatcher interface {
	Match(req Request) (string, bool)
}

// Skill is an executor registered under a schema name.
type Skill interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Response, error)
}
