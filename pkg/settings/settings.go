// Package settings decides which registration presets to try and in what order.
package settings

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"robustmni/internal/models"
)

// PresetExt is the extension of preset files in a catalog.
const PresetExt = ".json"

//go:embed data/*.json
var defaultCatalog embed.FS

// Resolver lists presets from a catalog directory.
type Resolver struct {
	// CatalogDir holds the preset files
	CatalogDir string
}

// NewResolver creates a resolver over the given catalog directory.
func NewResolver(catalogDir string) *Resolver {
	return &Resolver{CatalogDir: catalogDir}
}

// Prefix returns the filename prefix that selects presets for a request.
func Prefix(req *models.Request) string {
	moving := strings.ToLower(string(req.Moving))

	// Backwards compatibility: the deprecated testing flag wins over Flavor.
	if req.Testing {
		log.Warn().Msg("The testing flag is deprecated, set the flavor to \"testing\" instead")
		return fmt.Sprintf("%s-mni_registration_%s_", moving, models.FlavorTesting)
	}

	return fmt.Sprintf("%s-mni_registration_%s_", moving, req.Flavor)
}

// Resolve returns the ordered preset files for req. A non-empty req.Settings is
// returned as is and the catalog is not read. Catalog matches are sorted by
// filename and returned as absolute paths; no match yields an empty list.
func (r *Resolver) Resolve(req *models.Request) ([]string, error) {
	if len(req.Settings) > 0 {
		log.Info().Strs("settings", req.Settings).Msg("User-defined settings, overriding defaults")
		return req.Settings, nil
	}

	prefix := Prefix(req)
	entries, err := os.ReadDir(r.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("error reading preset catalog: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, PresetExt) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	dir, err := filepath.Abs(r.CatalogDir)
	if err != nil {
		return nil, err
	}
	presets := make([]string, len(names))
	for i, name := range names {
		presets[i] = filepath.Join(dir, name)
	}

	log.Debug().
		Str("catalog", dir).
		Str("prefix", prefix).
		Strs("presets", names).
		Msg("Resolved registration presets")

	return presets, nil
}

// WriteDefaultCatalog copies the built-in presets into dir and returns the
// written paths. Existing files with the same names are replaced.
func WriteDefaultCatalog(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating catalog directory: %w", err)
	}

	names, err := fs.Glob(defaultCatalog, "data/*"+PresetExt)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		data, err := defaultCatalog.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(out, data, 0644); err != nil {
			return nil, fmt.Errorf("error writing preset: %w", err)
		}
		written = append(written, out)
	}
	return written, nil
}
