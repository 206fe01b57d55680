package module

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Catalog holds discovered modules indexed by name. It is read-only after discovery.
type Catalog struct {
	modules map[string]*Module
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{modules: make(map[string]*Module)}
}

// Get retrieves a module by name.
func (c *Catalog) Get(name string) (*Module, bool) {
	m, ok := c.modules[name]
	return m, ok
}

// All returns the modules sorted by name.
func (c *Catalog) All() []*Module {
	out := make([]*Module, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of modules.
func (c *Catalog) Len() int { return len(c.modules) }

// Add registers a module.
func (c *Catalog) Add(m *Module) error {
	if _, exists := c.modules[m.Name]; exists {
		return fmt.Errorf("module %q already registered", m.Name)
	}
	c.modules[m.Name] = m
	return nil
}

// Discover scans roots for manifest.yaml files. Roots are processed in order and
// a duplicate module name keeps the first one found. Invalid modules are logged
// and skipped.
func Discover(roots []string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	absRoots, err := resolveRoots(roots)
	if err != nil {
		return nil, err
	}

	catalog := NewCatalog()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			modPath := filepath.Dir(path)
			mod, err := loadModule(modPath, absRoots)
			if err != nil {
				logger.Warn("failed to load module", "root", root, "path", modPath, "error", err)
				return nil
			}
			if existing, ok := catalog.Get(mod.Name); ok {
				logger.Warn("duplicate module ignored (keeping first discovered)",
					"module", mod.Name, "ignored_path", mod.Path, "kept_path", existing.Path)
				return nil
			}
			_ = catalog.Add(mod)
			logger.Info("loaded module", "module", mod.Name, "version", mod.Version, "path", mod.Path, "actions", mod.ActionNames())
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan module root %s: %w", root, err)
		}
	}
	return catalog, nil
}

func resolveRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve module root %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("module root does not exist: %s", abs)
			}
			return nil, fmt.Errorf("failed to stat module root %s: %w", abs, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("module root is not a directory: %s", abs)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one module root is required")
	}
	return out, nil
}

func loadModule(modPath string, roots []string) (*Module, error) {
	data, err := os.ReadFile(filepath.Join(modPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(modPath, manifest.Entrypoint)
	if err := validateTrust(entrypoint, modPath, roots); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Module{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Path:        modPath,
		Entrypoint:  entrypoint,
		Actions:     manifest.Actions,
	}, nil
}

// validateTrust requires the entrypoint to resolve inside both the module dir
// and a configured root, to be executable, and the module dir to not be
// world-writable.
func validateTrust(entrypoint, modPath string, roots []string) error {
	if len(roots) == 0 {
		return fmt.Errorf("no module roots configured")
	}

	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedModPath, err := filepath.EvalSymlinks(modPath)
	if err != nil {
		return fmt.Errorf("failed to resolve module path symlink: %w", err)
	}

	inRoot := false
	for _, root := range roots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve module root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
			inRoot = true
			break
		}
	}
	if !inRoot {
		return fmt.Errorf("entrypoint %s is not under any configured module root", resolvedEntrypoint)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedModPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under module directory %s", resolvedEntrypoint, resolvedModPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	modInfo, err := os.Stat(resolvedModPath)
	if err != nil {
		return fmt.Errorf("module directory not found: %w", err)
	}
	if modInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("module directory is world-writable: %s", resolvedModPath)
	}
	return nil
}
