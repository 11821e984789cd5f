package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vigil-grc/vigil/internal/authz"
	"github.com/vigil-grc/vigil/internal/platform/httpx"
	"github.com/vigil-grc/vigil/internal/shared"
)

// Handler exposes the permission matrix over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	guard    authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard authz.Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		guard:    guard,
	}
}

// MountPermissionRoutes registers the permission resolution endpoint.
// It is session-gated only: evaluators call it before any permission
// state exists, so a permission gate here would lock everyone out.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.Get("/", h.permissionsForUser)
}

// MountRoleRoutes registers role management endpoints, gated on the
// roles module.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(authz.ModuleRoles, authz.ActionRetrieve))
		r.Get("/", h.listRoles)
		r.Get("/{roleID}", h.getRole)
		r.Get("/{roleID}/permissions", h.rolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(authz.ModuleRoles, authz.ActionCreate))
		r.Post("/", h.createRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(authz.ModuleRoles, authz.ActionUpdate))
		r.Put("/{roleID}", h.updateRole)
		r.Put("/{roleID}/permissions", h.replaceRolePermissions)
		r.Put("/{roleID}/permissions/{module}", h.updateModulePermissions)
	})
}

// MountAssignmentRoutes registers user-role assignment endpoints under
// a users subtree, gated on the users module.
func (h *Handler) MountAssignmentRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequirePermission(authz.ModuleUsers, authz.ActionUpdate))
		r.Post("/{userID}/roles", h.assignRole)
		r.Delete("/{userID}/roles/{roleID}", h.removeRole)
	})
}

type roleResponse struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	RoleName     string `json:"role_name"`
	Description  string `json:"role_description,omitempty"`
	IsSystemRole bool   `json:"is_system_role"`
	IsActive     bool   `json:"is_active"`
}

type userRoleResponse struct {
	ID       string        `json:"id"`
	UserID   string        `json:"user_id"`
	RoleID   string        `json:"role_id"`
	TenantID string        `json:"tenant_id"`
	Roles    *roleResponse `json:"roles,omitempty"`
}

type permissionRowResponse struct {
	ID            string `json:"id,omitempty"`
	RoleID        string `json:"role_id,omitempty"`
	ModuleName    string `json:"module_name"`
	CanCreate     bool   `json:"can_create"`
	CanRetrieve   bool   `json:"can_retrieve"`
	CanUpdate     bool   `json:"can_update"`
	CanDelete     bool   `json:"can_delete"`
	CanComment    bool   `json:"can_comment"`
	CanCreateTask bool   `json:"can_create_task"`
}

func (h *Handler) permissionsForUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = shared.IdentityFromContext(r.Context()).UserID
	}
	if userID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id required")
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")

	resolved, err := h.service.PermissionsForUser(r.Context(), userID, tenantID)
	if err != nil {
		h.logger.Error("resolve permissions", slog.String("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	// Role assignments go out wrapped under a "roles" join object; the
	// client normalizes the shape on its side.
	byID := make(map[string]Role, len(resolved.Roles))
	for _, role := range resolved.Roles {
		byID[role.ID] = role
	}
	userRoles := make([]userRoleResponse, 0, len(resolved.UserRoles))
	for _, a := range resolved.UserRoles {
		entry := userRoleResponse{ID: a.ID, UserID: a.UserID, RoleID: a.RoleID, TenantID: a.TenantID}
		if role, ok := byID[a.RoleID]; ok {
			wrapped := toRoleResponse(role)
			entry.Roles = &wrapped
		}
		userRoles = append(userRoles, entry)
	}

	permissions := make([]permissionRowResponse, 0, len(resolved.Permissions))
	for _, perm := range resolved.Permissions {
		permissions = append(permissions, toPermissionRow(perm))
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_roles":  userRoles,
		"permissions": permissions,
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	roles, err := h.service.ListRoles(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"), tenantFromRequest(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type createRoleRequest struct {
	RoleName        string `json:"role_name" validate:"required"`
	RoleDescription string `json:"role_description"`
	TenantID        string `json:"tenant_id"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}
	role, err := h.service.CreateRole(r.Context(), req.TenantID, req.RoleName, req.RoleDescription)
	if err != nil {
		h.logger.Error("create role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	RoleName        string `json:"role_name" validate:"required"`
	RoleDescription string `json:"role_description"`
	IsActive        *bool  `json:"is_active"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	tenantID := tenantFromRequest(r)
	current, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"), tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	current.Name = req.RoleName
	current.Description = req.RoleDescription
	if req.IsActive != nil {
		current.IsActive = *req.IsActive
	}

	updated, err := h.service.UpdateRole(r.Context(), current)
	if err != nil {
		h.logger.Error("update role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(updated))
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.RolePermissions(r.Context(), chi.URLParam(r, "roleID"), tenantFromRequest(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]permissionRowResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, toPermissionRow(perm))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

type modulePermissionsRequest struct {
	CanCreate     bool `json:"can_create"`
	CanRetrieve   bool `json:"can_retrieve"`
	CanUpdate     bool `json:"can_update"`
	CanDelete     bool `json:"can_delete"`
	CanComment    bool `json:"can_comment"`
	CanCreateTask bool `json:"can_create_task"`
}

func (h *Handler) updateModulePermissions(w http.ResponseWriter, r *http.Request) {
	var req modulePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}

	err := h.service.UpdateModulePermissions(r.Context(),
		chi.URLParam(r, "roleID"), tenantFromRequest(r), chi.URLParam(r, "module"),
		authz.ActionSet{
			authz.ActionCreate:     req.CanCreate,
			authz.ActionRetrieve:   req.CanRetrieve,
			authz.ActionUpdate:     req.CanUpdate,
			authz.ActionDelete:     req.CanDelete,
			authz.ActionComment:    req.CanComment,
			authz.ActionCreateTask: req.CanCreateTask,
		})
	if err != nil {
		h.logger.Error("update module permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type replacePermissionsRequest struct {
	Permissions []struct {
		ModuleName string `json:"module_name" validate:"required"`
		modulePermissionsRequest
	} `json:"permissions" validate:"required"`
}

func (h *Handler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req replacePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}

	perms := make([]ModulePermission, 0, len(req.Permissions))
	for _, row := range req.Permissions {
		perms = append(perms, ModulePermission{
			Module: row.ModuleName,
			Actions: authz.ActionSet{
				authz.ActionCreate:     row.CanCreate,
				authz.ActionRetrieve:   row.CanRetrieve,
				authz.ActionUpdate:     row.CanUpdate,
				authz.ActionDelete:     row.CanDelete,
				authz.ActionComment:    row.CanComment,
				authz.ActionCreateTask: row.CanCreateTask,
			},
		})
	}

	err := h.service.ReplaceRolePermissions(r.Context(),
		chi.URLParam(r, "roleID"), tenantFromRequest(r), perms)
	if err != nil {
		h.logger.Error("replace role permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type assignRoleRequest struct {
	RoleID   string `json:"role_id" validate:"required"`
	TenantID string `json:"tenant_id"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}

	identity := shared.IdentityFromContext(r.Context())
	if err := h.service.AssignRole(r.Context(), chi.URLParam(r, "userID"), req.RoleID, req.TenantID, identity.UserID); err != nil {
		h.logger.Error("assign role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveRole(r.Context(),
		chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"), tenantFromRequest(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// tenantFromRequest prefers an explicit query parameter, then the
// session identity, then the platform default.
func tenantFromRequest(r *http.Request) string {
	if tenant := r.URL.Query().Get("tenant_id"); tenant != "" {
		return tenant
	}
	if tenant := shared.IdentityFromContext(r.Context()).TenantID; tenant != "" {
		return tenant
	}
	return authz.DefaultTenantID
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:           role.ID,
		TenantID:     role.TenantID,
		RoleName:     role.Name,
		Description:  role.Description,
		IsSystemRole: role.IsSystemRole,
		IsActive:     role.IsActive,
	}
}

func toPermissionRow(perm ModulePermission) permissionRowResponse {
	return permissionRowResponse{
		ID:            perm.ID,
		RoleID:        perm.RoleID,
		ModuleName:    perm.Module,
		CanCreate:     perm.Actions[authz.ActionCreate],
		CanRetrieve:   perm.Actions[authz.ActionRetrieve],
		CanUpdate:     perm.Actions[authz.ActionUpdate],
		CanDelete:     perm.Actions[authz.ActionDelete],
		CanComment:    perm.Actions[authz.ActionComment],
		CanCreateTask: perm.Actions[authz.ActionCreateTask],
	}
}
