// Package schema holds the skill schema registry: declarative descriptors that
// decide which skill, if any, handles a request.
package schema

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"jarvis/internal/domain"

	"gopkg.in/yaml.v3"
)

// entry is a loaded schema with its match keys pre-lowered.
type entry struct {
	schema   domain.Schema
	action   string
	intent   string
	keywords []string
}

// snapshot is an immutable registry state. It is replaced wholesale on reload.
type snapshot struct {
	dir      string
	entries  []entry // load order
	index    map[string]int
	warnings []string
}

func emptySnapshot(dir string) *snapshot {
	return &snapshot{dir: dir, index: make(map[string]int)}
}

// load walks dir in lexical order and parses every .json, .yaml and .yml
// document. A document that cannot be read or parsed is logged and skipped.
// A missing directory yields an empty snapshot.
func load(dir string, logger *slog.Logger) (*snapshot, error) {
	snap := emptySnapshot(dir)

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		logger.Warn("schema directory not found", "dir", dir)
		snap.warnings = append(snap.warnings, "schema directory not found: "+dir)
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat schema dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema path %s is not a directory", dir)
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("cannot access schema path", "path", path, "err", err)
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !isSchemaFile(d.Name()) {
			return nil
		}

		name := skillName(dir, path)
		sc, err := parseFile(path)
		if err != nil {
			logger.Error("failed to load schema", "path", path, "err", err)
			snap.warnings = append(snap.warnings, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if sc.Name != "" && sc.Name != name {
			logger.Warn("schema name differs from its location, using location", "path", path, "declared", sc.Name, "name", name)
		}
		sc.Name = name
		sc.Path = path

		if _, dup := snap.index[name]; dup {
			logger.Warn("duplicate schema name, keeping first", "name", name, "path", path)
			snap.warnings = append(snap.warnings, fmt.Sprintf("duplicate schema %q in %s ignored", name, path))
			return nil
		}
		snap.index[name] = len(snap.entries)
		snap.entries = append(snap.entries, newEntry(sc))
		logger.Debug("loaded schema", "name", name, "path", path)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk schema dir: %w", walkErr)
	}

	for _, w := range keywordOverlaps(snap.entries) {
		logger.Warn("keyword overlap between schemas", "detail", w)
		snap.warnings = append(snap.warnings, w)
	}
	logger.Info("loaded skill schemas", "count", len(snap.entries), "dir", dir)
	return snap, nil
}

func isSchemaFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// skillName infers the skill name from the document location: the file stem
// for documents at the root, otherwise the immediate parent directory.
func skillName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	parent := filepath.Dir(rel)
	if parent == "." {
		base := filepath.Base(rel)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return filepath.Base(parent)
}

func parseFile(path string) (domain.Schema, error) {
	var sc domain.Schema
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &sc)
	default:
		err = yaml.Unmarshal(data, &sc)
	}
	if err != nil {
		return sc, fmt.Errorf("parse: %w", err)
	}
	return sc, nil
}

func newEntry(sc domain.Schema) entry {
	e := entry{
		schema: sc,
		action: strings.ToLower(strings.TrimSpace(sc.Action)),
		intent: strings.ToLower(strings.TrimSpace(sc.Intent)),
	}
	// An empty keyword would match every message.
	for _, kw := range sc.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			e.keywords = append(e.keywords, kw)
		}
	}
	return e
}

func keywordOverlaps(entries []entry) []string {
	owner := make(map[string]string)
	var out []string
	for _, e := range entries {
		for _, kw := range e.keywords {
			first, ok := owner[kw]
			if !ok {
				owner[kw] = e.schema.Name
				continue
			}
			if first != e.schema.Name {
				out = append(out, fmt.Sprintf("keyword %q is shared by %s and %s", kw, first, e.schema.Name))
			}
		}
	}
	return out
}
