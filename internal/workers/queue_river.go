package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"fileforge/internal/domain"
	"fileforge/internal/engine"
)

// RiverQueueManager is the engine dispatcher backed by River.
type RiverQueueManager struct {
	RiverClient *river.Client[pgx.Tx]
	logger      *slog.Logger
}

// NewRiverQueueManager creates a new River queue manager
func NewRiverQueueManager(riverClient *river.Client[pgx.Tx], logger *slog.Logger) *RiverQueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiverQueueManager{RiverClient: riverClient, logger: logger.With("component", "dispatcher")}
}

// argsFor builds the payload for a job kind.
func argsFor(kind engine.JobKind, jobID string, s domain.Surface) (river.JobArgs, error) {
	switch kind {
	case engine.JobConversion:
		return ConversionJobArgs{JobID: jobID, Surface: s}, nil
	case engine.JobOptimization:
		return OptimizationJobArgs{JobID: jobID, Surface: s}, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", kind)
}

// InsertOpts returns the river options for a job on surface s.
func InsertOpts(kind engine.JobKind, s domain.Surface) *river.InsertOpts {
	return &river.InsertOpts{
		MaxAttempts: domain.PolicyFor(s).Retry.MaxAttempts(),
		Tags:        []string{string(kind), string(s)},
	}
}

func (rqm *RiverQueueManager) Enqueue(ctx context.Context, kind engine.JobKind, jobID string, s domain.Surface) (string, error) {
	args, err := argsFor(kind, jobID, s)
	if err != nil {
		return "", err
	}
	res, err := rqm.RiverClient.Insert(ctx, args, InsertOpts(kind, s))
	if err != nil {
		rqm.logger.Error("Failed to enqueue job", "job_id", jobID, "kind", kind, "error", err)
		return "", err
	}
	return strconv.FormatInt(res.Job.ID, 10), nil
}

func parseTaskID(taskID string) (int64, error) {
	id, err := strconv.ParseInt(taskID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q: %w", taskID, err)
	}
	return id, nil
}

// Revoke cancels the river job. A job that no longer exists is not an error.
func (rqm *RiverQueueManager) Revoke(ctx context.Context, taskID string) error {
	id, err := parseTaskID(taskID)
	if err != nil {
		return err
	}
	if _, err := rqm.RiverClient.JobCancel(ctx, id); err != nil && !errors.Is(err, rivertype.ErrNotFound) {
		return err
	}
	return nil
}

// TaskAlive reports whether the river job exists and has not been finalized.
func (rqm *RiverQueueManager) TaskAlive(ctx context.Context, taskID string) (bool, error) {
	id, err := parseTaskID(taskID)
	if err != nil {
		return false, nil
	}
	row, err := rqm.RiverClient.JobGet(ctx, id)
	if errors.Is(err, rivertype.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return liveState(row.State), nil
}

func liveState(s rivertype.JobState) bool {
	switch s {
	case rivertype.JobStateAvailable,
		rivertype.JobStatePending,
		rivertype.JobStateRetryable,
		rivertype.JobStateRunning,
		rivertype.JobStateScheduled:
		return true
	}
	return false
}
