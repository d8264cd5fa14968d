// Package capability maps roles to the capabilities they grant, using a
// static YAML policy or the built-in defaults.
package capability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/bandflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// defaultRoles follows who may do what in the band room: students request
// and track their own checkouts, directors and managers run the
// equipment, supervisors observe.
var defaultRoles = map[string][]string{
	model.RoleStudent: {
		model.CapWorkflowsView,
		model.CapWorkflowsCreate,
		model.CapWorkflowsUpdate,
		model.CapDashboardRefresh,
		model.CapRealtimeView,
	},
	model.RoleBandDirector: {
		"workflows:*",
		"equipment:*",
		model.CapDashboardRefresh,
		model.CapRealtimeView,
	},
	model.RoleEquipmentManager: {
		"workflows:*",
		"equipment:*",
		"maintenance:*",
		model.CapDashboardRefresh,
		model.CapRealtimeView,
	},
	model.RoleSupervisor: {
		model.CapWorkflowsView,
		model.CapDashboardRefresh,
		model.CapRealtimeView,
	},
}

// StaticPolicy resolves capabilities from a role-to-capabilities table.
// Role names match case-insensitively.
type StaticPolicy struct {
	path  string
	mu    sync.RWMutex
	roles map[string][]string
}

// DefaultPolicy returns the built-in policy for the four band roles.
func DefaultPolicy() *StaticPolicy {
	return &StaticPolicy{roles: normalize(defaultRoles)}
}

// LoadPolicy creates a policy from the YAML file at path. An empty path
// yields DefaultPolicy.
func LoadPolicy(path string) (*StaticPolicy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Resolve returns the union of capabilities granted to roles.
func (p *StaticPolicy) Resolve(roles []string) model.CapabilitySet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range roles {
		for _, c := range p.roles[strings.ToUpper(role)] {
			caps[c] = true
		}
	}
	return caps
}

// Allows reports whether the caller in rctx holds capability.
func (p *StaticPolicy) Allows(rctx *model.RequestContext, capability string) bool {
	if rctx == nil {
		return false
	}
	return p.Resolve(rctx.Roles).Has(capability)
}

// Sync reloads the policy file from disk. The built-in policy has no file
// and is left as it is.
func (p *StaticPolicy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.roles = normalize(f.Roles)
	p.mu.Unlock()
	return nil
}

func normalize(roles map[string][]string) map[string][]string {
	out := make(map[string][]string, len(roles))
	for role, caps := range roles {
		key := strings.ToUpper(role)
		out[key] = append(out[key], caps...)
	}
	return out
}
