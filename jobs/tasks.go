package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPruneOverrides deletes expired permission overrides.
	TaskPruneOverrides = "rbac:overrides:prune"
	// TaskInvalidateUsers bumps the permission cache version for a batch of users.
	TaskInvalidateUsers = "rbac:cache:invalidate"
)

// PruneOverridesPayload configures a prune run.
type PruneOverridesPayload struct {
	DryRun bool `json:"dry_run"`
}

// InvalidateUsersPayload lists the users whose cached permissions must be dropped.
type InvalidateUsersPayload struct {
	UserIDs []int64 `json:"user_ids"`
}

// NewPruneOverridesTask builds a prune task.
func NewPruneOverridesTask(dryRun bool) (*asynq.Task, error) {
	body, err := json.Marshal(PruneOverridesPayload{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPruneOverrides, body, asynq.Queue(QueueDefault)), nil
}

// NewInvalidateUsersTask builds an invalidation task.
func NewInvalidateUsersTask(userIDs []int64) (*asynq.Task, error) {
	if len(userIDs) == 0 {
		return nil, errors.New("jobs: invalidate task needs at least one user")
	}
	body, err := json.Marshal(InvalidateUsersPayload{UserIDs: userIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvalidateUsers, body, asynq.Queue(QueueDefault)), nil
}
