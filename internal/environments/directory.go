package environments

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when an environment name is not in the directory.
var ErrNotFound = errors.New("environment not found")

// Directory is the read-only name → definition mapping. It is built once at
// startup and safe for concurrent use afterwards.
type Directory struct {
	envs map[string]Environment
}

// NewDirectory creates a directory from defs. Later definitions replace
// earlier ones with the same name.
func NewDirectory(defs ...Environment) (*Directory, error) {
	d := &Directory{envs: make(map[string]Environment, len(defs))}
	for _, env := range defs {
		if err := env.validate(); err != nil {
			return nil, err
		}
		d.envs[env.Name] = env
	}
	return d, nil
}

type definitionsFile struct {
	Environments []Environment `yaml:"environments"`
}

// Load builds a directory from the builtin environments plus the definitions
// in the YAML file at path. A missing file yields the builtins only.
func Load(path string) (*Directory, error) {
	defs := Builtin()
	if path == "" {
		return NewDirectory(defs...)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("environments file not found, using builtins", "path", path)
			return NewDirectory(defs...)
		}
		return nil, fmt.Errorf("read environments file %s: %w", path, err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse environments file %s: %w", path, err)
	}
	for _, env := range file.Environments {
		slog.Debug("loaded environment definition", "env", env.Name, "path", path)
	}
	return NewDirectory(append(defs, file.Environments...)...)
}

// Lookup returns the definition for name.
func (d *Directory) Lookup(name string) (Environment, error) {
	if env, ok := d.envs[name]; ok {
		return env, nil
	}
	if s := d.suggest(name); s != "" {
		return Environment{}, fmt.Errorf("%w: %q (did you mean %q?)", ErrNotFound, name, s)
	}
	return Environment{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// suggest returns the closest known name, or "" if none is close enough.
func (d *Directory) suggest(name string) string {
	best, bestDist := "", -1
	for _, known := range d.Names() {
		dist := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(known))
		if bestDist < 0 || dist < bestDist {
			best, bestDist = known, dist
		}
	}
	if bestDist < 0 || bestDist > max(2, len(name)/3) {
		return ""
	}
	return best
}

// List returns all environments sorted by name.
func (d *Directory) List() []Environment {
	result := make([]Environment, 0, len(d.envs))
	for _, env := range d.envs {
		result = append(result, env)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Names returns all environment names sorted alphabetically.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.envs))
	for name := range d.envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
