// Package authz implements the client-facing authorization engine:
// a server-computed permission matrix fetched per identity, cached in
// durable storage with a TTL, and evaluated through pure deny-by-default
// checks.
package authz

import "strings"

// DefaultTenantID is the fallback tenant used when a caller does not
// carry an explicit tenant. Matches the platform's bootstrap tenant.
const DefaultTenantID = "00000000-0000-0000-0000-000000000001"

// Module identifies a functional area permissions are scoped to.
type Module string

// The closed set of platform modules.
const (
	ModuleSecurityControls Module = "security_controls"
	ModuleTasks            Module = "tasks"
	ModuleUsers            Module = "users"
	ModuleRoles            Module = "roles"
	ModuleCertifications   Module = "certifications"
	ModuleAudits           Module = "audits"
	ModuleDashboard        Module = "dashboard"
	ModuleBugs             Module = "bugs"
)

// Modules returns the fixed module list in display order.
func Modules() []Module {
	return []Module{
		ModuleSecurityControls,
		ModuleTasks,
		ModuleUsers,
		ModuleRoles,
		ModuleCertifications,
		ModuleAudits,
		ModuleDashboard,
		ModuleBugs,
	}
}

// KnownModule reports whether name (after normalization) belongs to the
// closed module set.
func KnownModule(name string) bool {
	key := NormalizeModule(name)
	for _, m := range Modules() {
		if string(m) == key {
			return true
		}
	}
	return false
}

// Action identifies an operation kind checked against a module.
type Action string

// The closed set of actions.
const (
	ActionCreate     Action = "create"
	ActionRetrieve   Action = "retrieve"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionComment    Action = "comment"
	ActionCreateTask Action = "create_task"
)

// actionColumns maps each action to its permission-row column. It also
// doubles as the closed action set: an action outside this table never
// grants anything.
var actionColumns = map[Action]string{
	ActionCreate:     "can_create",
	ActionRetrieve:   "can_retrieve",
	ActionUpdate:     "can_update",
	ActionDelete:     "can_delete",
	ActionComment:    "can_comment",
	ActionCreateTask: "can_create_task",
}

// Actions returns the fixed action list in display order.
func Actions() []Action {
	return []Action{
		ActionCreate,
		ActionRetrieve,
		ActionUpdate,
		ActionDelete,
		ActionComment,
		ActionCreateTask,
	}
}

// ColumnFor returns the permission-row column for an action.
func ColumnFor(a Action) string {
	return actionColumns[a]
}

// NormalizeModule canonicalizes a module name to its lowercase key.
func NormalizeModule(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeAction canonicalizes an action string, reporting false for
// anything outside the closed set.
func NormalizeAction(name string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(name)))
	_, ok := actionColumns[a]
	return a, ok
}

// ActionSet maps actions to grants. A missing key denies.
type ActionSet map[Action]bool

// Clone returns an independent copy.
func (s ActionSet) Clone() ActionSet {
	if s == nil {
		return nil
	}
	out := make(ActionSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// PermissionMatrix maps canonical module keys to their action grants.
// A module absent from the matrix denies everything.
type PermissionMatrix map[string]ActionSet

// Allows answers whether the matrix grants action on module. Unknown
// modules and actions deny.
func (m PermissionMatrix) Allows(module, action string) bool {
	set, ok := m[NormalizeModule(module)]
	if !ok {
		return false
	}
	a, ok := NormalizeAction(action)
	if !ok {
		return false
	}
	return set[a]
}

// Clone returns an independent deep copy.
func (m PermissionMatrix) Clone() PermissionMatrix {
	if m == nil {
		return nil
	}
	out := make(PermissionMatrix, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// Role is a tenant-scoped role as seen by the client.
type Role struct {
	ID           string `json:"id"`
	Name         string `json:"role_name"`
	TenantID     string `json:"tenant_id,omitempty"`
	IsSystemRole bool   `json:"is_system_role,omitempty"`
	IsActive     bool   `json:"is_active,omitempty"`
}
