package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vigil-grc/vigil/internal/authz"
	"github.com/vigil-grc/vigil/internal/platform/apiclient"
)

// RoleDetail is the role being edited.
type RoleDetail struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Name         string `json:"role_name"`
	Description  string `json:"role_description"`
	IsSystemRole bool   `json:"is_system_role"`
	IsActive     bool   `json:"is_active"`
}

type permissionRow struct {
	ModuleName    string `json:"module_name"`
	CanCreate     bool   `json:"can_create"`
	CanRetrieve   bool   `json:"can_retrieve"`
	CanUpdate     bool   `json:"can_update"`
	CanDelete     bool   `json:"can_delete"`
	CanComment    bool   `json:"can_comment"`
	CanCreateTask bool   `json:"can_create_task"`
}

func (p permissionRow) actions() authz.ActionSet {
	return authz.ActionSet{
		authz.ActionCreate:     p.CanCreate,
		authz.ActionRetrieve:   p.CanRetrieve,
		authz.ActionUpdate:     p.CanUpdate,
		authz.ActionDelete:     p.CanDelete,
		authz.ActionComment:    p.CanComment,
		authz.ActionCreateTask: p.CanCreateTask,
	}
}

func rowFromActions(actions authz.ActionSet) permissionRow {
	return permissionRow{
		CanCreate:     actions[authz.ActionCreate],
		CanRetrieve:   actions[authz.ActionRetrieve],
		CanUpdate:     actions[authz.ActionUpdate],
		CanDelete:     actions[authz.ActionDelete],
		CanComment:    actions[authz.ActionComment],
		CanCreateTask: actions[authz.ActionCreateTask],
	}
}

// Editor drives the permission grid for one role against the API.
type Editor struct {
	client *apiclient.Client
	logger *slog.Logger

	role RoleDetail
	grid *Grid
}

// NewEditor constructs an editor with an empty grid.
func NewEditor(client *apiclient.Client, logger *slog.Logger) *Editor {
	return &Editor{
		client: client,
		logger: logger,
		grid:   NewGrid(),
	}
}

// Grid exposes the editable grid.
func (e *Editor) Grid() *Grid {
	return e.grid
}

// Role returns the loaded role.
func (e *Editor) Role() RoleDetail {
	return e.role
}

// Load fetches the role and its permission rows and resets the grid to
// backend state. Unknown module rows coming back from the API are
// dropped rather than rendered.
func (e *Editor) Load(ctx context.Context, roleID string) error {
	var role RoleDetail
	if err := e.client.Get(ctx, "/api/roles/"+roleID, nil, &role); err != nil {
		return fmt.Errorf("roles: load role: %w", err)
	}

	var resp struct {
		Permissions []permissionRow `json:"permissions"`
	}
	if err := e.client.Get(ctx, "/api/roles/"+roleID+"/permissions", nil, &resp); err != nil {
		return fmt.Errorf("roles: load permissions: %w", err)
	}

	e.role = role
	e.grid = NewGrid()
	for _, row := range resp.Permissions {
		module := authz.Module(authz.NormalizeModule(row.ModuleName))
		if !authz.KnownModule(string(module)) {
			continue
		}
		e.grid.Load(module, row.actions())
	}
	return nil
}

// Save writes every edited module row with one PUT per module, in
// display order. A failed module keeps its dirty flag and its local
// edits, so a later save retries only what is still unsaved.
func (e *Editor) Save(ctx context.Context) error {
	if e.role.ID == "" {
		return errors.New("roles: no role loaded")
	}

	var errs []error
	for _, module := range e.grid.DirtyModules() {
		path := "/api/roles/" + e.role.ID + "/permissions/" + string(module)
		if err := e.client.Put(ctx, path, rowFromActions(e.grid.Row(module)), nil); err != nil {
			if e.logger != nil {
				e.logger.Error("save module permissions",
					slog.String("role_id", e.role.ID),
					slog.String("module", string(module)),
					slog.Any("error", err))
			}
			errs = append(errs, fmt.Errorf("%s: %w", module, err))
			continue
		}
		e.grid.MarkSaved(module)
	}
	return errors.Join(errs...)
}
