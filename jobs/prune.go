package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/staffdesk/staffdesk/internal/jobs"
	"github.com/staffdesk/staffdesk/internal/rbac"
)

// Pruner removes expired overrides.
type Pruner interface {
	PruneExpired(ctx context.Context, now time.Time, dryRun bool) (rbac.PruneResult, error)
}

// Invalidator drops a user's cached permissions.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// PruneOverridesJob handles TaskPruneOverrides.
type PruneOverridesJob struct {
	Pruner  Pruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPruneOverridesJob wires dependencies for the prune handler.
func NewPruneOverridesJob(pruner Pruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PruneOverridesJob {
	return &PruneOverridesJob{
		Pruner:  pruner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes prune tasks.
func (j *PruneOverridesJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pruner == nil {
		return errors.New("prune overrides: handler not configured")
	}
	var payload PruneOverridesPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("prune overrides: decode payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload.DryRun)
	return err
}

// Run executes one prune pass; it is shared by the worker and the CLI.
func (j *PruneOverridesJob) Run(ctx context.Context, dryRun bool) (result rbac.PruneResult, err error) {
	tracker := j.Metrics.Track(TaskPruneOverrides)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("run_id", uuid.NewString()), slog.Bool("dry_run", dryRun))
	start := j.clock()
	result, err = j.Pruner.PruneExpired(ctx, start, dryRun)
	if err != nil {
		logger.Error("prune expired overrides", slog.Any("error", err))
		return result, err
	}
	if dryRun {
		j.Metrics.AddPruned(result.Candidates, true)
	} else {
		j.Metrics.AddPruned(result.Deleted, false)
	}
	logger.Info("pruned expired overrides",
		slog.Int("candidates", result.Candidates),
		slog.Int("deleted", result.Deleted),
		slog.Int("users", len(result.Users)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (j *PruneOverridesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// InvalidateUsersJob handles TaskInvalidateUsers.
type InvalidateUsersJob struct {
	Invalidator Invalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// Handle bumps every listed user. Any failure retries the whole batch.
func (j *InvalidateUsersJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Invalidator == nil {
		return errors.New("invalidate users: handler not configured")
	}
	var payload InvalidateUsersPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalidate users: decode payload: %w: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskInvalidateUsers)
	defer func() {
		err = tracker.End(err)
	}()

	var errs []error
	for _, id := range payload.UserIDs {
		if err := j.Invalidator.Invalidate(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
		}
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("invalidate users", slog.Int("users", len(payload.UserIDs)), slog.Any("error", err))
		return err
	}
	logger.Info("invalidated users", slog.Int("users", len(payload.UserIDs)))
	return nil
}
