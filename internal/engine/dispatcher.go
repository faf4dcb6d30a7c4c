package engine

import (
	"context"

	"fileforge/internal/domain"
)

// JobKind names the table and worker a task belongs to.
type JobKind string

const (
	JobConversion   JobKind = "conversion"
	JobOptimization JobKind = "optimization"
)

// Dispatcher is the queue port. The engines never import the queue itself.
type Dispatcher interface {
	// Enqueue schedules execution of a job row and returns the task id.
	Enqueue(ctx context.Context, kind JobKind, jobID string, s domain.Surface) (string, error)
	// Revoke cancels a scheduled or running task. Unknown ids are not an error.
	Revoke(ctx context.Context, taskID string) error
	// TaskAlive reports whether the task still exists and has not finalized.
	TaskAlive(ctx context.Context, taskID string) (bool, error)
}
