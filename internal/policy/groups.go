package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Built-in groups. main is the founder's control group; the rest are
// the execution lanes.
const (
	GroupMain      = "main"
	GroupDeveloper = "developer"
	GroupSecurity  = "security"
	GroupRevOps    = "revops"
	GroupProduct   = "product"
)

// defaultGroups are always registered, with or without a policy file.
var defaultGroups = []string{GroupMain, GroupDeveloper, GroupSecurity, GroupRevOps, GroupProduct}

// Registry is the closed set of groups the platform accepts. Unknown
// group names are rejected at the ingress, not deep in the engine.
type Registry struct {
	groups map[string]bool
}

// policyFile is the on-disk policy document. Only the groups section is
// consumed here; additional sections may appear and are ignored.
type policyFile struct {
	Groups []struct {
		Name string `yaml:"name"`
	} `yaml:"groups"`
}

// NewRegistry returns a registry holding only the built-in groups.
func NewRegistry() *Registry {
	r := &Registry{groups: make(map[string]bool, len(defaultGroups))}
	for _, g := range defaultGroups {
		r.groups[g] = true
	}
	return r
}

// LoadRegistry builds a registry from the built-ins plus any extra
// groups declared in the YAML policy file at path. An empty path returns
// the defaults.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for _, g := range pf.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("policy file %s: group with empty name", path)
		}
		r.groups[g.Name] = true
	}
	return r, nil
}

// Known reports whether the group name is registered.
func (r *Registry) Known(group string) bool {
	return r.groups[group]
}

// Names returns the registered group names, built-ins first, extras in
// map order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.groups))
	seen := make(map[string]bool, len(r.groups))
	for _, g := range defaultGroups {
		names = append(names, g)
		seen[g] = true
	}
	for g := range r.groups {
		if !seen[g] {
			names = append(names, g)
		}
	}
	return names
}
