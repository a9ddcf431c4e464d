package schema

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"jarvis/internal/domain"
)

const maxDocumentSize = 1 << 20

// Installer fetches schema documents over HTTP into the schema directory.
// The registry picks them up on the next reload (or through the watcher).
type Installer struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

func NewInstaller(dir string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Install downloads the schema at url and stores it as <dir>/<name>/schema.<ext>.
// A url without a .json, .yaml or .yml suffix is treated as a directory
// holding schema.json.
func (i *Installer) Install(ctx context.Context, url string) (domain.Schema, error) {
	docURL := strings.TrimRight(url, "/")
	ext := strings.ToLower(path.Ext(docURL))
	if !isSchemaFile(docURL) {
		docURL += "/schema.json"
		ext = ".json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return domain.Schema{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return domain.Schema{}, fmt.Errorf("fetch schema: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Schema{}, fmt.Errorf("schema not found at %s (status %d)", docURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return domain.Schema{}, err
	}

	tmp, err := os.CreateTemp("", "jarvis-schema-*"+ext)
	if err != nil {
		return domain.Schema{}, err
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.Write(body)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return domain.Schema{}, werr
	}
	sc, err := parseFile(tmp.Name())
	if err != nil {
		return domain.Schema{}, fmt.Errorf("invalid schema document: %w", err)
	}
	if err := validName(sc.Name); err != nil {
		return domain.Schema{}, err
	}

	skillDir := filepath.Join(i.dir, sc.Name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return domain.Schema{}, err
	}
	dst := filepath.Join(skillDir, "schema"+ext)
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return domain.Schema{}, err
	}
	sc.Path = dst

	i.logger.Info("schema installed", "name", sc.Name, "version", sc.Version, "path", dst)
	return sc, nil
}

// Uninstall removes the schema directory for name.
func (i *Installer) Uninstall(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	skillDir := filepath.Join(i.dir, name)
	if _, err := os.Stat(skillDir); os.IsNotExist(err) {
		return fmt.Errorf("schema %q not installed", name)
	}
	if err := os.RemoveAll(skillDir); err != nil {
		return err
	}
	i.logger.Info("schema removed", "name", name)
	return nil
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("schema document missing name")
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "."):
		return fmt.Errorf("invalid schema name %q", name)
	}
	return nil
}
