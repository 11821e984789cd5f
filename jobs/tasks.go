package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePermissionsWarmup pre-populates permission caches for
	// active users so first sign-ins after a deploy hit warm state.
	TaskTypePermissionsWarmup = "authz:warmup"
)

// PermissionsWarmupPayload narrows a warmup run to one user when set.
// An empty payload warms every active user.
type PermissionsWarmupPayload struct {
	UserID   string `json:"user_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// NewPermissionsWarmupTask constructs an Asynq task.
func NewPermissionsWarmupTask(payload PermissionsWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePermissionsWarmup, data), nil
}
