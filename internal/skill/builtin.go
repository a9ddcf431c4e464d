package skill

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"jarvis/internal/domain"
)

//go:embed schemas
var builtinSchemas embed.FS

// RegisterBuiltins registers the device control and information skills.
func RegisterBuiltins(r *Registry, devices domain.DeviceStore, logger *slog.Logger) error {
	for _, s := range []domain.Skill{
		NewDeviceControl(devices, logger),
		NewInformation(),
	} {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// InstallSchemas writes the schema documents of the built-in skills into dir,
// one directory per skill. Existing files are left alone unless overwrite is
// set. It returns the paths written.
func InstallSchemas(dir string, overwrite bool) ([]string, error) {
	var written []string
	err := fs.WalkDir(builtinSchemas, "schemas", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel("schemas", filepath.FromSlash(path))
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, rel)
		if !overwrite {
			if _, err := os.Stat(dst); err == nil {
				return nil
			}
		}
		data, err := builtinSchemas.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create schema dir: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write schema %s: %w", dst, err)
		}
		written = append(written, dst)
		return nil
	})
	return written, err
}
