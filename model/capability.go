package model

import "strings"

// Capabilities checked by the HTTP API.
const (
	CapWorkflowsView       = "workflows:view"
	CapWorkflowsCreate     = "workflows:create"
	CapWorkflowsUpdate     = "workflows:update"
	CapWorkflowsManage     = "workflows:manage"
	CapEquipmentStatus     = "equipment:status"
	CapEquipmentCheckout   = "equipment:checkout"
	CapEquipmentReturn     = "equipment:return"
	CapMaintenanceSchedule = "maintenance:schedule"
	CapDashboardRefresh    = "dashboard:refresh"
	CapRealtimeView        = "realtime:view"
)

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "equipment:checkout") and may be a wildcard
// (e.g. "equipment:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(capability string) bool {
	if cs[capability] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, capability) {
			return true
		}
	}
	return false
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(capabilities ...string) bool {
	for _, c := range capabilities {
		if cs.Has(c) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches
// capability.
//
//	"*"            matches anything
//	"equipment:*"  matches "equipment:checkout"
//	"equipment"    does NOT match "equipment:checkout"
func matchWildcard(pattern, capability string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(capability, pattern[:len(pattern)-1])
}
