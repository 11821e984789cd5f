package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vigil-grc/vigil/internal/authz"
	jobmetrics "github.com/vigil-grc/vigil/internal/jobs"
	"github.com/vigil-grc/vigil/internal/rbac"
	"github.com/vigil-grc/vigil/internal/shared"
	"github.com/vigil-grc/vigil/internal/users"
)

// PermissionsWarmer resolves permissions server-side and writes them
// into the per-identity cache slots, so evaluators built afterwards
// start from cache instead of a cold fetch.
type PermissionsWarmer struct {
	users    *users.Service
	rbac     *rbac.Service
	newStore func(shared.Identity) authz.Store
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewPermissionsWarmer constructs a PermissionsWarmer.
func NewPermissionsWarmer(users *users.Service, rbac *rbac.Service, newStore func(shared.Identity) authz.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *PermissionsWarmer {
	return &PermissionsWarmer{
		users:    users,
		rbac:     rbac,
		newStore: newStore,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleTask processes TaskTypePermissionsWarmup tasks.
func (p *PermissionsWarmer) HandleTask(ctx context.Context, t *asynq.Task) error {
	var payload PermissionsWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := p.metrics.Track("permissions_warmup")

	if payload.UserID != "" {
		return tracker.End(p.warmOne(ctx, payload.UserID, payload.TenantID))
	}

	pairs, err := p.users.ListActiveIdentities(ctx)
	if err != nil {
		return tracker.End(err)
	}
	var firstErr error
	for _, pair := range pairs {
		if err := p.warmOne(ctx, pair[0], pair[1]); err != nil {
			p.metrics.AddWarmupResult("failure", 1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.metrics.AddWarmupResult("success", 1)
	}
	return tracker.End(firstErr)
}

func (p *PermissionsWarmer) warmOne(ctx context.Context, userID, tenantID string) error {
	if tenantID == "" {
		tenantID = authz.DefaultTenantID
	}
	resolved, err := p.rbac.PermissionsForUser(ctx, userID, tenantID)
	if err != nil {
		p.logger.Warn("warmup resolve failed",
			slog.String("user_id", userID), slog.Any("error", err))
		return err
	}

	matrix := make(authz.PermissionMatrix, len(resolved.Permissions))
	for _, perm := range resolved.Permissions {
		matrix[perm.Module] = perm.Actions.Clone()
	}
	roles := make([]authz.Role, 0, len(resolved.Roles))
	for _, role := range resolved.Roles {
		roles = append(roles, authz.Role{
			ID:           role.ID,
			Name:         role.Name,
			TenantID:     role.TenantID,
			IsSystemRole: role.IsSystemRole,
			IsActive:     role.IsActive,
		})
	}

	store := p.newStore(shared.Identity{UserID: userID, TenantID: tenantID})
	if err := store.Save(ctx, matrix, roles); err != nil {
		p.logger.Warn("warmup save failed",
			slog.String("user_id", userID), slog.Any("error", err))
		return err
	}
	return nil
}
