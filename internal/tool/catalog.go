package tool

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"actionbridge/internal/domain"
)

//go:embed builtin.yaml
var builtinCatalog []byte

// Catalog is the on-disk description of the backend action surface.
type Catalog struct {
	Actions []domain.ActionSchema `yaml:"actions"`
}

// Builtin returns the catalogue shipped with the binary.
func Builtin() ([]domain.ActionSchema, error) {
	return ParseCatalog(builtinCatalog)
}

func ParseCatalog(data []byte) ([]domain.ActionSchema, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return c.Actions, nil
}

// LoadCatalog reads a YAML catalogue file, or every .yaml/.yml file of a
// directory in name order. A missing path yields no actions.
func LoadCatalog(path string, logger *slog.Logger) ([]domain.ActionSchema, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.Debug("catalog path does not exist, skipping", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	if !info.IsDir() {
		return loadCatalogFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var actions []domain.ActionSchema
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		file := filepath.Join(path, name)
		loaded, err := loadCatalogFile(file)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded catalog", "path", file, "actions", len(loaded))
		actions = append(actions, loaded...)
	}
	return actions, nil
}

func loadCatalogFile(path string) ([]domain.ActionSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	actions, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return actions, nil
}

// RegisterAll registers every schema with the same executor. Later
// duplicates are reported, not silently dropped.
func RegisterAll(r *Registry, schemas []domain.ActionSchema, exec Executor) error {
	var errs []string
	for _, s := range schemas {
		if err := r.Register(s, exec); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog registration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
