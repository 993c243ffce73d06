// Package registry holds the static model table: canonical names,
// aliases, which providers serve each model, and capability metadata.
// Loaded once at startup and read-only afterwards.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability describes what a model can do and what it costs.
type Capability struct {
	ContextLength int     `yaml:"context_length" json:"context_length"`
	MaxOutput     int     `yaml:"max_output" json:"max_output"`
	Reasoning     bool    `yaml:"reasoning" json:"reasoning"`
	Tools         bool    `yaml:"tools" json:"tools"`
	Vision        bool    `yaml:"vision" json:"vision"`
	InputPrice    float64 `yaml:"input_price" json:"input_price"`   // USD per 1M tokens
	OutputPrice   float64 `yaml:"output_price" json:"output_price"` // USD per 1M tokens
}

// Model is one registry entry keyed by its canonical name.
type Model struct {
	Name       string     `yaml:"name" json:"name"`
	Aliases    []string   `yaml:"aliases" json:"aliases,omitempty"`
	Providers  []string   `yaml:"providers" json:"providers"` // ordered: preferred first
	Capability Capability `yaml:"capability" json:"capability"`
}

type fileConfig struct {
	Models []Model `yaml:"models"`
}

// Registry resolves aliases and answers provider-support queries. It
// never errors on malformed input; unknown names pass through unchanged
// and support queries simply answer false.
type Registry struct {
	byName  map[string]*Model
	byAlias map[string]string
	ordered []string
}

// Load builds a registry from the optional yaml file plus built-in
// defaults. A missing or empty file means defaults only; a parse error
// is returned alongside a defaults-backed registry so the gateway can
// still start.
func Load() (*Registry, error) {
	entries := defaultModels()

	path, pathErr := resolveConfigPath()
	var loadErr error
	if pathErr != nil {
		loadErr = pathErr
	} else if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			loadErr = fmt.Errorf("failed to read model registry file %q: %w", path, err)
		} else {
			var cfg fileConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				loadErr = fmt.Errorf("failed to parse model registry file %q: %w", path, err)
			} else if len(cfg.Models) > 0 {
				entries = cfg.Models
			}
		}
	}

	return New(entries), loadErr
}

// New builds a registry from explicit entries (tests and Load both use
// this path). Entries with no name or no providers are dropped.
func New(entries []Model) *Registry {
	r := &Registry{
		byName:  make(map[string]*Model, len(entries)),
		byAlias: make(map[string]string),
	}
	for i := range entries {
		m := entries[i]
		m.Name = normalize(m.Name)
		if m.Name == "" || len(m.Providers) == 0 {
			continue
		}
		if _, dup := r.byName[m.Name]; dup {
			continue
		}
		providers := make([]string, 0, len(m.Providers))
		for _, p := range m.Providers {
			if p = normalize(p); p != "" {
				providers = append(providers, p)
			}
		}
		m.Providers = providers
		r.byName[m.Name] = &m
		r.ordered = append(r.ordered, m.Name)
		for _, alias := range m.Aliases {
			alias = normalize(alias)
			if alias == "" || alias == m.Name {
				continue
			}
			if _, taken := r.byAlias[alias]; taken {
				continue
			}
			r.byAlias[alias] = m.Name
		}
	}
	return r
}

// Resolve maps an alias to its canonical name. Unknown names are
// returned unchanged (trimmed); callers must treat "unchanged and not
// supported" as an unknown model.
func (r *Registry) Resolve(name string) string {
	n := normalize(name)
	if canonical, ok := r.byAlias[n]; ok {
		return canonical
	}
	return n
}

// IsSupported reports whether any provider serves the model.
func (r *Registry) IsSupported(name string) bool {
	_, ok := r.byName[r.Resolve(name)]
	return ok
}

// ProvidersFor returns the ordered provider list for a model, or nil.
func (r *Registry) ProvidersFor(name string) []string {
	m, ok := r.byName[r.Resolve(name)]
	if !ok {
		return nil
	}
	return append([]string(nil), m.Providers...)
}

// IsSupportedBy reports whether one specific provider serves the model.
func (r *Registry) IsSupportedBy(name, provider string) bool {
	provider = normalize(provider)
	for _, p := range r.ProvidersFor(name) {
		if p == provider {
			return true
		}
	}
	return false
}

// Capabilities returns capability metadata for a model.
func (r *Registry) Capabilities(name string) (Capability, bool) {
	m, ok := r.byName[r.Resolve(name)]
	if !ok {
		return Capability{}, false
	}
	return m.Capability, true
}

// Models returns every entry in declaration order, for /v1/models.
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.ordered))
	for _, name := range r.ordered {
		out = append(out, *r.byName[name])
	}
	return out
}

// FilterCatalog intersects a dynamically fetched upstream model list
// with the models this registry maps to the provider. Upstream catalog
// churn never exposes a model the gateway has no mapping for.
func (r *Registry) FilterCatalog(provider string, upstreamIDs []string) []string {
	out := make([]string, 0, len(upstreamIDs))
	for _, id := range upstreamIDs {
		canonical := r.Resolve(id)
		if r.IsSupportedBy(canonical, provider) {
			out = append(out, canonical)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("POOLGATE_MODELS_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/models.yaml",
		"/etc/poolgate/models.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "poolgate", "models.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}
