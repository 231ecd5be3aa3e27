// ABOUTME: Static capability table for agents talking A2A
// ABOUTME: Base capabilities plus per-agent extras

package auth

import "slices"

// Capabilities shared by every agent.
var basePermissions = []string{"read", "write", "a2a_communication"}

var agentPermissions = map[string][]string{
	"scheduler-agent":    {"scheduling", "calendar_management"},
	"fitness-agent":      {"health_tracking", "fitness_planning"},
	"nutrition-agent":    {"meal_planning", "nutrition_analysis"},
	"shopping-agent":     {"inventory_management", "shopping_optimization"},
	"api-gateway":        {"workflow_orchestration", "system_management"},
	"master-coordinator": {"workflow_orchestration", "system_management"},
}

// Permissions returns the capability set for agent.
func Permissions(agent string) []string {
	extras := agentPermissions[agent]
	perms := make([]string, 0, len(basePermissions)+len(extras))
	perms = append(perms, basePermissions...)
	return append(perms, extras...)
}

// HasPermission reports whether agent holds perm.
func HasPermission(agent, perm string) bool {
	return slices.Contains(Permissions(agent), perm)
}
